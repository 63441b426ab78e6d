package main

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type commandKind int

const (
	kindUnrecognized commandKind = iota
	kindForward
	kindLocalAction
)

func (k commandKind) String() string {
	switch k {
	case kindForward:
		return "forward"
	case kindLocalAction:
		return "local_action"
	}
	return "unrecognized"
}

// classification is the routing decision for one command line.
type classification struct {
	Kind   commandKind
	Action hostAction // valid when Kind == kindLocalAction
}

var forwardTerminator = []byte("\r\n")

// local action literals, each terminated by a bare LF
const (
	literalRestartVLC = "pi_restart_vlc\n"
	literalShutdown   = "pi_shutdown\n"
	literalReboot     = "pi_reboot\n"
)

// classifyLine decides what to do with a line. It has no side effects.
func classifyLine(line []byte) classification {
	if bytes.HasSuffix(line, forwardTerminator) {
		return classification{Kind: kindForward}
	}

	switch string(line) {
	case literalRestartVLC:
		return classification{Kind: kindLocalAction, Action: actionRestartService}
	case literalShutdown:
		return classification{Kind: kindLocalAction, Action: actionShutdown}
	case literalReboot:
		return classification{Kind: kindLocalAction, Action: actionReboot}
	}

	return classification{Kind: kindUnrecognized}
} // func classifyLine()

// isLocalLiteral reports whether s (without terminator) names a local action.
func isLocalLiteral(s string) bool {
	return classifyLine([]byte(s+"\n")).Kind == kindLocalAction
}

// forwarder relays one command line to the control target.
type forwarder interface {
	Forward(cmd []byte) sessionResult
}

// dispatchOutcome reports what happened to one line.
type dispatchOutcome struct {
	Class  classification
	Result sessionResult // forwards only
	Err    error         // local actions only
}

// ackLine renders the outcome for the optional acknowledgement channel.
func (o dispatchOutcome) ackLine() string {
	switch o.Class.Kind {
	case kindForward:
		if o.Result.Kind == resultSuccess {
			if o.Result.Reply == "" {
				return "OK"
			}
			return "OK " + flattenReply(o.Result.Reply)
		}
		if o.Result.Err != nil {
			return "ERR " + o.Result.Kind.String() + ": " + flattenReply(o.Result.Err.Error())
		}
		return "ERR " + o.Result.Kind.String()
	case kindLocalAction:
		if o.Err != nil {
			return "ERR " + o.Class.Action.String() + ": " + flattenReply(o.Err.Error())
		}
		return "OK"
	}
	return "IGNORED"
} // func (o dispatchOutcome) ackLine()

func flattenReply(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.Join(strings.Split(strings.TrimSpace(s), "\n"), " | ")
}

// dispatcher routes classified lines to the forwarder or the host.
type dispatcher struct {
	fwd     forwarder
	host    hostController
	metrics *relayMetrics
} // type dispatcher struct

func newDispatcher(fwd forwarder, host hostController, m *relayMetrics) *dispatcher {
	return &dispatcher{fwd: fwd, host: host, metrics: m}
}

// Dispatch handles one line from source (a transport tag plus peer).
// Failures are logged and counted but never returned as errors.
func (d *dispatcher) Dispatch(transport, source string, line []byte) dispatchOutcome {
	c := classifyLine(line)
	out := dispatchOutcome{Class: c}

	if d.metrics != nil {
		d.metrics.Commands.WithLabelValues(transport, c.Kind.String()).Inc()
	}

	switch c.Kind {
	case kindForward:
		start := time.Now()
		out.Result = d.fwd.Forward(line)
		if d.metrics != nil {
			d.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
			d.metrics.Forwards.WithLabelValues(out.Result.Kind.String()).Inc()
		}

		switch out.Result.Kind {
		case resultSuccess:
			log.Printf("[forward] %s %q replied:\n%s", source, line, out.Result.Reply)
		case resultProtocolMismatch:
			log.Printf("[forward] %s %q: target reachable but not ready: %v (greeting %q)",
				source, line, out.Result.Err, out.Result.Raw)
		default:
			log.Printf("[forward] %s %q failed: %s", source, line, out.Result)
		}

	case kindLocalAction:
		out.Err = d.host.Run(c.Action)
		result := "ok"
		if out.Err != nil {
			result = "error"
			log.Printf("[host] %s requested by %s failed: %v", c.Action, source, out.Err)
		} else {
			log.Printf("[host] %s requested by %s done", c.Action, source)
		}
		if d.metrics != nil {
			d.metrics.HostActions.WithLabelValues(c.Action.String(), result).Inc()
		}

	default:
		dbg("[dispatch] %s ignored %q", source, line)
	}

	return out
} // func (d *dispatcher) Dispatch()
