package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bikeiot/phased/proto"
)

// Duration parses YAML duration strings like "10s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config carries everything the controller needs at construction time.
// There is no process-wide mutable state; the daemon loads one Config
// and passes it down.
type Config struct {
	ControllerID string `yaml:"controller_id"`
	BrokerURL    string `yaml:"broker_url"`
	QoS          byte   `yaml:"qos"`
	TopicBase    string `yaml:"topic_base"`

	// PhaseMap maps logical phase numbers to physical output pins.
	// Several phases may share one pin; the pin stays on while any of
	// them is held.
	PhaseMap map[int32]int `yaml:"phase_map"`

	HTTPAddr         string   `yaml:"http_addr"`
	WatchdogInterval Duration `yaml:"watchdog_interval"`

	// Admin command argv lists, keyed reboot / wifi_enable / wifi_disable.
	AdminCommands map[string][]string `yaml:"admin_commands"`
}

// DefaultConfig mirrors the deployed beacon configuration.
func DefaultConfig() Config {
	return Config{
		BrokerURL:        "tcp://localhost:1883",
		QoS:              2,
		TopicBase:        "tc",
		PhaseMap:         map[int32]int{1: 3, 2: 4, 3: 4, 4: 5},
		HTTPAddr:         ":8737",
		WatchdogInterval: Duration(10 * time.Second),
		AdminCommands: map[string][]string{
			"reboot":       {"/sbin/reboot"},
			"wifi_enable":  {"/usr/sbin/wifi-adhoc", "up"},
			"wifi_disable": {"/usr/sbin/wifi-adhoc", "down"},
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// is not an error; the defaults are returned unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.ControllerID == "" {
		return fmt.Errorf("config: controller_id is required")
	}
	if len(c.ControllerID) > proto.MaxIDBytes {
		return fmt.Errorf("config: controller_id exceeds %d bytes", proto.MaxIDBytes)
	}
	if len(c.PhaseMap) == 0 {
		return fmt.Errorf("config: phase_map is empty")
	}
	return nil
}

// Topic returns the controller's own request topic, tc/<id>.
func (c Config) Topic() string {
	return c.TopicBase + "/" + c.ControllerID
}

// AdminTopic returns the controller's admin topic, tc/admin/<id>.
func (c Config) AdminTopic() string {
	return c.TopicBase + "/admin/" + c.ControllerID
}

// WillTopic returns the shared liveness topic, tc/will.
func (c Config) WillTopic() string {
	return c.TopicBase + "/will"
}

// UserTopic returns the topic a user's acks are addressed to.
func (c Config) UserTopic(user string) string {
	return c.TopicBase + "/" + user
}

// AdminArgv converts the configured command lists into the executor's
// allow list. Unknown keys are ignored with the defaults as fallback.
func (c Config) AdminArgv() map[proto.Type][]string {
	keys := map[string]proto.Type{
		"reboot":       proto.TypeAdminReboot,
		"wifi_enable":  proto.TypeAdminWifiEnable,
		"wifi_disable": proto.TypeAdminWifiDisable,
	}
	argv := make(map[proto.Type][]string, len(keys))
	for key, tag := range keys {
		if cmd, ok := c.AdminCommands[key]; ok && len(cmd) > 0 {
			argv[tag] = cmd
		}
	}
	return argv
}
