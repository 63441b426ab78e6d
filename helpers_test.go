package main

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeForwarder records forwarded lines and echoes them back as the reply.
type fakeForwarder struct {
	mu    sync.Mutex
	lines [][]byte
	delay time.Duration
	kind  resultKind
}

func (f *fakeForwarder) Forward(cmd []byte) sessionResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.lines = append(f.lines, append([]byte(nil), cmd...))
	f.mu.Unlock()

	if f.kind != resultSuccess {
		return sessionResult{Kind: f.kind, Err: io.ErrUnexpectedEOF}
	}
	return sessionResult{Kind: resultSuccess, Reply: strings.TrimSpace(string(cmd))}
}

func (f *fakeForwarder) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	for i, l := range f.lines {
		out[i] = string(l)
	}
	return out
}

// fakeHost records requested actions.
type fakeHost struct {
	mu      sync.Mutex
	actions []hostAction
	err     error
}

func (h *fakeHost) Run(a hostAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, a)
	return h.err
}

func (h *fakeHost) Actions() []hostAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostAction(nil), h.actions...)
}

// countingConn counts Close calls on the wrapped connection.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// pipeTarget runs script against the far end of an in-memory connection.
func pipeTarget(t *testing.T, script func(srv net.Conn)) *countingConn {
	t.Helper()
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer srv.Close()
		script(srv)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return &countingConn{Conn: client}
}

// fakeVLC is a loopback VLC rc endpoint. An empty greeting makes it accept
// and stay silent.
type fakeVLC struct {
	ln       net.Listener
	greeting string
	reply    string

	mu       sync.Mutex
	received []string
	conns    int
}

func startFakeVLC(t *testing.T, greeting, reply string) *fakeVLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	v := &fakeVLC{ln: ln, greeting: greeting, reply: reply}
	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				v.serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return v
}

func (v *fakeVLC) serve(conn net.Conn) {
	defer conn.Close()
	v.mu.Lock()
	v.conns++
	v.mu.Unlock()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if v.greeting == "" {
		io.Copy(io.Discard, conn)
		return
	}
	if _, err := io.WriteString(conn, v.greeting); err != nil {
		return
	}
	cmd, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	v.mu.Lock()
	v.received = append(v.received, cmd)
	v.mu.Unlock()
	io.WriteString(conn, v.reply)
}

func (v *fakeVLC) Received() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.received...)
}

func (v *fakeVLC) Conns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns
}

func (v *fakeVLC) Target(timeout time.Duration) controlTarget {
	addr := v.ln.Addr().(*net.TCPAddr)
	return controlTarget{Host: "127.0.0.1", Port: addr.Port, Timeout: timeout, Protocol: "vlc"}
}

// startTCPRelay runs serveStream on a loopback port until the test ends.
func startTCPRelay(t *testing.T, d *dispatcher, opts serveOptions) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	served := make(chan error, 1)
	go func() { served <- serveStream(ln, "tcp", d, opts, done) }()
	t.Cleanup(func() {
		close(done)
		ln.Close()
		<-served
	})
	return ln.Addr().String()
}

// unusedAddr returns a loopback address nothing listens on.
func unusedAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return "127.0.0.1", addr.Port
}
