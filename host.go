package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

type hostAction int

const (
	actionRestartService hostAction = iota
	actionShutdown
	actionReboot
)

func (a hostAction) String() string {
	switch a {
	case actionRestartService:
		return "restart_service"
	case actionShutdown:
		return "shutdown"
	case actionReboot:
		return "reboot"
	}
	return "unknown"
}

// hostController executes local lifecycle actions.
type hostController interface {
	Run(a hostAction) error
}

// hostCommands holds the argv run for each action.
type hostCommands struct {
	Restart  []string
	Shutdown []string
	Reboot   []string
}

func (hc hostCommands) argv(a hostAction) []string {
	switch a {
	case actionRestartService:
		return hc.Restart
	case actionShutdown:
		return hc.Shutdown
	case actionReboot:
		return hc.Reboot
	}
	return nil
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// execHost runs host commands synchronously, one attempt each.
type execHost struct {
	cmds    hostCommands
	timeout time.Duration
	dryRun  bool
	run     runFunc
} // type execHost struct

func newExecHost(cmds hostCommands, timeout time.Duration, dryRun bool) *execHost {
	return &execHost{cmds: cmds, timeout: timeout, dryRun: dryRun, run: runCommand}
}

func (h *execHost) Run(a hostAction) error {
	argv := h.cmds.argv(a)
	if len(argv) == 0 {
		return fmt.Errorf("no command configured for %s", a)
	}

	if h.dryRun {
		log.Printf("[host] dry run %s: %s", a, strings.Join(argv, " "))
		return nil
	}

	log.Printf("[host] %s: %s", a, strings.Join(argv, " "))

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	out, err := h.run(ctx, argv[0], argv[1:]...)
	if len(out) > 0 {
		dbg("[host] %s output: %s", a, strings.TrimSpace(string(out)))
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: timed out after %s: %w", argv[0], h.timeout, err)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
} // func (h *execHost) Run()
