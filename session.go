package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	vlcGreetingPrefix = "VLC"
	lineDelim         = '\n'
	promptDelim       = '>'
)

// controlTarget is the remote player endpoint. Fixed at startup.
type controlTarget struct {
	Host     string
	Port     int
	Timeout  time.Duration
	Protocol string // "vlc" or "mpd"
	Password string // mpd only
} // type controlTarget struct

func (t controlTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultConnectionFailed
	resultTimeout
	resultUnexpectedReply
	resultProtocolMismatch
)

func (k resultKind) String() string {
	switch k {
	case resultSuccess:
		return "success"
	case resultConnectionFailed:
		return "connection_failed"
	case resultTimeout:
		return "timeout"
	case resultUnexpectedReply:
		return "unexpected_reply"
	case resultProtocolMismatch:
		return "protocol_mismatch"
	}
	return "unknown"
} // func (k resultKind) String()

// sessionResult is the outcome of one forward attempt.
type sessionResult struct {
	Kind  resultKind
	Reply string // Success
	Raw   []byte // UnexpectedReply, ProtocolMismatch
	Err   error
}

func (r sessionResult) String() string {
	switch r.Kind {
	case resultSuccess:
		return fmt.Sprintf("success: %q", r.Reply)
	case resultUnexpectedReply, resultProtocolMismatch:
		return fmt.Sprintf("%s: %q", r.Kind, r.Raw)
	}
	return fmt.Sprintf("%s: %v", r.Kind, r.Err)
}

// resultFromError maps a transport error to Timeout or ConnectionFailed.
func resultFromError(err error) sessionResult {
	if isTimeout(err) {
		return sessionResult{Kind: resultTimeout, Err: err}
	}
	return sessionResult{Kind: resultConnectionFailed, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// openSession dials the control target within its timeout.
func openSession(dial dialFunc, t controlTarget) (net.Conn, error) {
	conn, err := dial("tcp", t.Addr(), t.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.Addr(), err)
	}
	return conn, nil
} // func openSession()

// forwardCommand performs one greeting/prompt/command/reply exchange and
// always closes conn before returning.
func forwardCommand(conn net.Conn, cmd []byte, timeout time.Duration) sessionResult {
	defer conn.Close()

	r := bufio.NewReader(conn)

	greeting, err := readUntil(conn, r, lineDelim, timeout)
	if err != nil {
		return resultFromError(fmt.Errorf("read greeting: %w", err))
	}
	if !bytes.HasPrefix(greeting, []byte(vlcGreetingPrefix)) {
		return sessionResult{
			Kind: resultProtocolMismatch,
			Raw:  greeting,
			Err:  fmt.Errorf("greeting does not start with %q", vlcGreetingPrefix),
		}
	}
	dbg("[forward] %s is running: %q", conn.RemoteAddr(), greeting)

	if _, err := readUntil(conn, r, promptDelim, timeout); err != nil {
		return resultFromError(fmt.Errorf("read prompt: %w", err))
	}

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return resultFromError(err)
	}
	if _, err := conn.Write(cmd); err != nil {
		return resultFromError(fmt.Errorf("send command: %w", err))
	}

	reply, err := readUntil(conn, r, promptDelim, timeout)
	if err != nil {
		return resultFromError(fmt.Errorf("read reply: %w", err))
	}
	if !isASCII(reply) {
		return sessionResult{
			Kind: resultUnexpectedReply,
			Raw:  reply,
			Err:  errors.New("reply is not ASCII text"),
		}
	}

	return sessionResult{Kind: resultSuccess, Reply: strings.TrimSpace(string(reply))}
} // func forwardCommand()

// readUntil returns the bytes before delim. An EOF before delim means the
// peer closed the connection.
func readUntil(conn net.Conn, r *bufio.Reader, delim byte, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(delim)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("connection closed after %d bytes: %w", len(b), io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return b[:len(b)-1], nil
} // func readUntil()

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// vlcForwarder relays command lines to a VLC rc interface.
type vlcForwarder struct {
	target controlTarget
	dial   dialFunc
	mu     *sync.Mutex // non-nil when forwards are serialized
} // type vlcForwarder struct

func newVLCForwarder(t controlTarget, serialize bool) *vlcForwarder {
	f := &vlcForwarder{target: t, dial: net.DialTimeout}
	if serialize {
		f.mu = &sync.Mutex{}
	}
	return f
}

func (f *vlcForwarder) Forward(cmd []byte) sessionResult {
	if f.mu != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	conn, err := openSession(f.dial, f.target)
	if err != nil {
		return resultFromError(err)
	}
	return forwardCommand(conn, cmd, f.target.Timeout)
} // func (f *vlcForwarder) Forward()
