package server

import (
	"errors"
	"log/slog"
	"os/exec"

	"github.com/bikeiot/phased/proto"
)

// CommandRunner executes one external command and reports its exit
// code. Split out so tests never fork processes.
type CommandRunner interface {
	Run(argv []string) (int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Executor gates and runs the allow-listed host operations. Commands
// addressed to another controller are refused without execution.
type Executor struct {
	controllerID string
	runner       CommandRunner
	commands     map[proto.Type][]string
}

func NewExecutor(controllerID string, runner CommandRunner, commands map[proto.Type][]string) *Executor {
	return &Executor{controllerID: controllerID, runner: runner, commands: commands}
}

// Execute runs cmd synchronously and returns the result code for its
// ack. The caller is responsible for keeping this off the phase-request
// path; a reboot takes as long as it takes.
func (e *Executor) Execute(cmd *proto.AdminCommand) proto.Result {
	if cmd.ControllerID != e.controllerID {
		slog.Warn("admin command for another controller",
			"type", cmd.Kind(), "target", cmd.ControllerID, "self", e.controllerID, "user", cmd.UserID)
		return proto.ResultInvalidCmd
	}
	argv, ok := e.commands[cmd.Kind()]
	if !ok {
		slog.Warn("admin command with no allow-listed action", "type", cmd.Kind(), "user", cmd.UserID)
		return proto.ResultUnknownError
	}

	slog.Info("running admin command", "type", cmd.Kind(), "argv", argv, "user", cmd.UserID)
	code, err := e.runner.Run(argv)
	if err != nil {
		slog.Error("admin command failed to run", "type", cmd.Kind(), "argv", argv, "error", err)
		return proto.ResultUnknownError
	}
	if code != 0 {
		slog.Error("admin command exited nonzero", "type", cmd.Kind(), "argv", argv, "exit_code", code)
		return proto.ResultUnknownError
	}
	return proto.ResultOK
}
