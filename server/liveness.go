package server

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// LivenessReporter is the process-supervisor heartbeat. The server
// never depends on how the heartbeat is transmitted.
type LivenessReporter interface {
	Ready() error
	Heartbeat() error
	Stopping() error
}

// SystemdReporter notifies systemd over the sd_notify socket. Outside a
// systemd unit every call is a silent no-op, which sd_notify already
// guarantees when NOTIFY_SOCKET is unset.
type SystemdReporter struct{}

func (SystemdReporter) Ready() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

func (SystemdReporter) Heartbeat() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	return err
}

func (SystemdReporter) Stopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// NopReporter is used when no supervisor is watching.
type NopReporter struct{}

func (NopReporter) Ready() error     { return nil }
func (NopReporter) Heartbeat() error { return nil }
func (NopReporter) Stopping() error  { return nil }
