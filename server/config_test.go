package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bikeiot/phased/proto"
)

func TestConfig_Topics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControllerID = "ctl-1"

	if got := cfg.Topic(); got != "tc/ctl-1" {
		t.Errorf("Topic() = %q", got)
	}
	if got := cfg.AdminTopic(); got != "tc/admin/ctl-1" {
		t.Errorf("AdminTopic() = %q", got)
	}
	if got := cfg.WillTopic(); got != "tc/will" {
		t.Errorf("WillTopic() = %q", got)
	}
	if got := cfg.UserTopic("alice"); got != "tc/alice" {
		t.Errorf("UserTopic() = %q", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing controller_id")
	}

	cfg.ControllerID = "ctl-1"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	long := make([]byte, proto.MaxIDBytes+1)
	for i := range long {
		long[i] = 'x'
	}
	cfg.ControllerID = string(long)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for oversized controller_id")
	}

	cfg.ControllerID = "ctl-1"
	cfg.PhaseMap = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty phase map")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.TopicBase != "tc" || cfg.QoS != 2 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `controller_id: intersection-5
broker_url: tcp://broker.local:1883
watchdog_interval: 30s
phase_map:
  1: 17
  2: 18
admin_commands:
  reboot: ["/usr/bin/systemctl", "reboot"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ControllerID != "intersection-5" {
		t.Errorf("controller_id = %q", cfg.ControllerID)
	}
	if cfg.BrokerURL != "tcp://broker.local:1883" {
		t.Errorf("broker_url = %q", cfg.BrokerURL)
	}
	if time.Duration(cfg.WatchdogInterval) != 30*time.Second {
		t.Errorf("watchdog_interval = %v", cfg.WatchdogInterval)
	}
	if len(cfg.PhaseMap) != 2 || cfg.PhaseMap[1] != 17 || cfg.PhaseMap[2] != 18 {
		t.Errorf("phase_map = %v", cfg.PhaseMap)
	}
	// Untouched fields keep their defaults.
	if cfg.QoS != 2 || cfg.TopicBase != "tc" {
		t.Errorf("defaults lost: qos=%d base=%q", cfg.QoS, cfg.TopicBase)
	}

	argv := cfg.AdminArgv()
	if got := argv[proto.TypeAdminReboot]; len(got) != 2 || got[0] != "/usr/bin/systemctl" {
		t.Errorf("reboot argv = %v", got)
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("controller_id: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_AdminArgvDefaults(t *testing.T) {
	argv := DefaultConfig().AdminArgv()
	for _, tag := range []proto.Type{proto.TypeAdminReboot, proto.TypeAdminWifiEnable, proto.TypeAdminWifiDisable} {
		if len(argv[tag]) == 0 {
			t.Errorf("no default argv for %v", tag)
		}
	}
}
