// Package gpio drives the physical relay outputs through the kernel's
// sysfs interface, and provides a recording fake for tests and dry runs.
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const defaultSysfsBase = "/sys/class/gpio"

// Sysfs writes pin values through /sys/class/gpio, exporting pins on
// first use.
type Sysfs struct {
	base string

	mu       sync.Mutex
	exported map[int]bool
}

func NewSysfs() *Sysfs {
	return &Sysfs{base: defaultSysfsBase, exported: make(map[int]bool)}
}

// NewSysfsAt targets an alternate sysfs root.
func NewSysfsAt(base string) *Sysfs {
	return &Sysfs{base: base, exported: make(map[int]bool)}
}

func (s *Sysfs) Write(pin int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureExported(pin); err != nil {
		return err
	}
	value := "0"
	if on {
		value = "1"
	}
	path := filepath.Join(s.base, fmt.Sprintf("gpio%d", pin), "value")
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("gpio write pin %d: %w", pin, err)
	}
	return nil
}

func (s *Sysfs) ensureExported(pin int) error {
	if s.exported[pin] {
		return nil
	}
	dir := filepath.Join(s.base, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		exportPath := filepath.Join(s.base, "export")
		if err := os.WriteFile(exportPath, []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return fmt.Errorf("gpio export pin %d: %w", pin, err)
		}
	}
	directionPath := filepath.Join(s.base, fmt.Sprintf("gpio%d", pin), "direction")
	if err := os.WriteFile(directionPath, []byte("out"), 0o644); err != nil {
		return fmt.Errorf("gpio direction pin %d: %w", pin, err)
	}
	s.exported[pin] = true
	return nil
}

// Write is one recorded output write.
type Write struct {
	Pin int
	On  bool
}

// Recorder captures writes instead of touching hardware.
type Recorder struct {
	mu     sync.Mutex
	states map[int]bool
	writes []Write
}

func NewRecorder() *Recorder {
	return &Recorder{states: make(map[int]bool)}
}

func (r *Recorder) Write(pin int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[pin] = on
	r.writes = append(r.writes, Write{Pin: pin, On: on})
	return nil
}

// State reports a pin's last written value; false if never written.
func (r *Recorder) State(pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[pin]
}

// Writes returns a snapshot of every write in order.
func (r *Recorder) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Write, len(r.writes))
	copy(out, r.writes)
	return out
}
