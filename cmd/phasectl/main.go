// phasectl is the operator and demo CLI for phased controllers: turn
// phases on and off, ping a controller, run admin commands, and find
// controllers on the local network.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bikeiot/phased/client"
	"github.com/bikeiot/phased/proto"
	"github.com/bikeiot/phased/transport"
)

var (
	brokerURL    string
	controllerID string
	userID       string
	useJSON      bool
	ackTimeout   time.Duration
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:           "phasectl",
	Short:         "Talk to phased traffic controllers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		if userID == "" {
			userID = "user-" + uuid.NewString()[:8]
		}
	},
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	if controllerID == "" {
		return nil, fmt.Errorf("--controller is required")
	}
	opts := []client.Option{client.WithAckTimeout(ackTimeout)}
	if useJSON {
		opts = append(opts, client.WithEncoding(proto.EncodingJSON))
	}
	c, err := client.New(userID, transport.NewMQTT(brokerURL, userID), opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(cmd.Context()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", brokerURL, err)
	}
	return c, nil
}

func reportAck(ack *proto.Ack, err error) error {
	if err != nil {
		return err
	}
	if ack == nil {
		fmt.Println("sent (no ack expected at qos 0)")
		return nil
	}
	fmt.Printf("%s (controller %s, mid %d)\n", ack.Result, ack.ID, ack.AckedMID)
	if ack.Result != proto.ResultOK {
		os.Exit(1)
	}
	return nil
}

func parsePhase(arg string) (int32, error) {
	phase, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid phase %q: %w", arg, err)
	}
	return int32(phase), nil
}

var onCmd = &cobra.Command{
	Use:   "on <phase>",
	Short: "Request a phase on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, err := parsePhase(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		return reportAck(c.RequestPhase(controllerID, phase))
	},
}

var offCmd = &cobra.Command{
	Use:   "off <phase>",
	Short: "Release a phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, err := parsePhase(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		return reportAck(c.ReleasePhase(controllerID, phase))
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a controller is alive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		return reportAck(c.Ping(controllerID))
	},
}

var adminCmd = &cobra.Command{
	Use:       "admin <reboot|wifi-enable|wifi-disable>",
	Short:     "Run an allow-listed admin command on a controller",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"reboot", "wifi-enable", "wifi-disable"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := map[string]proto.Type{
			"reboot":       proto.TypeAdminReboot,
			"wifi-enable":  proto.TypeAdminWifiEnable,
			"wifi-disable": proto.TypeAdminWifiDisable,
		}
		kind, ok := kinds[args[0]]
		if !ok {
			return fmt.Errorf("unknown admin action %q", args[0])
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		return reportAck(c.Admin(controllerID, kind))
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find phased controllers on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := client.Discover(5 * time.Second)
		if err != nil {
			return err
		}
		for _, ctl := range found {
			fmt.Printf("%s\t%s:%d\n", ctl.ControllerID, ctl.Address, ctl.Port)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <host:port>",
	Short: "Fetch a controller's status endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get("http://" + args[0] + "/status")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			return fmt.Errorf("unexpected status response: %w", err)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", "tcp://localhost:1883", "mqtt broker url")
	rootCmd.PersistentFlags().StringVar(&controllerID, "controller", "", "target controller id")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id (default: generated)")
	rootCmd.PersistentFlags().BoolVar(&useJSON, "json", false, "send requests in the json wire format")
	rootCmd.PersistentFlags().DurationVar(&ackTimeout, "timeout", client.DefaultAckTimeout, "how long to wait for an ack")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(onCmd, offCmd, pingCmd, adminCmd, discoverCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
