package server

import (
	"errors"
	"testing"

	"github.com/bikeiot/phased/proto"
)

// fakeRunner records the argv it was asked to run and returns a canned
// exit code or error.
type fakeRunner struct {
	code int
	err  error
	ran  [][]string
}

func (f *fakeRunner) Run(argv []string) (int, error) {
	f.ran = append(f.ran, argv)
	return f.code, f.err
}

var testCommands = map[proto.Type][]string{
	proto.TypeAdminReboot:      {"/sbin/reboot"},
	proto.TypeAdminWifiEnable:  {"/usr/local/sbin/wifi-adhoc", "up"},
	proto.TypeAdminWifiDisable: {"/usr/local/sbin/wifi-adhoc", "down"},
}

func TestExecutor_RunsAllowListedCommand(t *testing.T) {
	runner := &fakeRunner{}
	exec := NewExecutor("ctl-1", runner, testCommands)

	cmd := proto.NewAdminCommand(proto.TypeAdminWifiEnable, "admin", "ctl-1")
	if result := exec.Execute(cmd); result != proto.ResultOK {
		t.Errorf("expected ResultOK, got %v", result)
	}
	if len(runner.ran) != 1 {
		t.Fatalf("expected 1 command run, got %d", len(runner.ran))
	}
	if runner.ran[0][0] != "/usr/local/sbin/wifi-adhoc" || runner.ran[0][1] != "up" {
		t.Errorf("wrong argv: %v", runner.ran[0])
	}
}

func TestExecutor_RefusesOtherController(t *testing.T) {
	runner := &fakeRunner{}
	exec := NewExecutor("ctl-1", runner, testCommands)

	cmd := proto.NewAdminCommand(proto.TypeAdminReboot, "admin", "ctl-9")
	if result := exec.Execute(cmd); result != proto.ResultInvalidCmd {
		t.Errorf("expected ResultInvalidCmd, got %v", result)
	}
	if len(runner.ran) != 0 {
		t.Error("command for another controller was executed")
	}
}

func TestExecutor_UnknownCommandType(t *testing.T) {
	runner := &fakeRunner{}
	exec := NewExecutor("ctl-1", runner, map[proto.Type][]string{})

	cmd := proto.NewAdminCommand(proto.TypeAdminReboot, "admin", "ctl-1")
	if result := exec.Execute(cmd); result != proto.ResultUnknownError {
		t.Errorf("expected ResultUnknownError, got %v", result)
	}
	if len(runner.ran) != 0 {
		t.Error("command with no allow-list entry was executed")
	}
}

func TestExecutor_NonzeroExit(t *testing.T) {
	exec := NewExecutor("ctl-1", &fakeRunner{code: 1}, testCommands)
	cmd := proto.NewAdminCommand(proto.TypeAdminReboot, "admin", "ctl-1")
	if result := exec.Execute(cmd); result != proto.ResultUnknownError {
		t.Errorf("expected ResultUnknownError, got %v", result)
	}
}

func TestExecutor_RunError(t *testing.T) {
	exec := NewExecutor("ctl-1", &fakeRunner{err: errors.New("no such file")}, testCommands)
	cmd := proto.NewAdminCommand(proto.TypeAdminWifiDisable, "admin", "ctl-1")
	if result := exec.Execute(cmd); result != proto.ResultUnknownError {
		t.Errorf("expected ResultUnknownError, got %v", result)
	}
}

func TestExecRunner_ExitCodes(t *testing.T) {
	var runner ExecRunner
	if code, err := runner.Run([]string{"true"}); err != nil || code != 0 {
		t.Errorf("true: got code %d err %v", code, err)
	}
	if code, err := runner.Run([]string{"false"}); err != nil || code != 1 {
		t.Errorf("false: got code %d err %v", code, err)
	}
	if _, err := runner.Run([]string{"/nonexistent-command"}); err == nil {
		t.Error("expected error for missing binary")
	}
}
