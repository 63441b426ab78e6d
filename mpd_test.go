package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMPDOptions struct {
	silent     bool          // accept and never greet
	greetDelay time.Duration // wait before greeting
}

// startFakeMPD answers "status" and "playlistinfo" and rejects everything
// else with an ACK.
func startFakeMPD(t *testing.T, silent bool) (controlTarget, func() []string) {
	t.Helper()
	return startFakeMPDWith(t, fakeMPDOptions{silent: silent})
}

func startFakeMPDWith(t *testing.T, opts fakeMPDOptions) (controlTarget, func() []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		cmds []string
		wg   sync.WaitGroup
	)

	serve := func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if opts.silent {
			conn.SetDeadline(time.Now().Add(time.Second))
			r.ReadByte()
			return
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		time.Sleep(opts.greetDelay)
		fmt.Fprint(conn, "OK MPD 0.23.5\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			mu.Lock()
			cmds = append(cmds, line)
			mu.Unlock()

			switch line {
			case "close":
				return
			case "status":
				fmt.Fprint(conn, "volume: 50\nstate: play\nOK\n")
			case "playlistinfo":
				fmt.Fprint(conn, "file: a.flac\nTitle: One\nPos: 0\nfile: b.flac\nTitle: Two\nPos: 1\nOK\n")
			default:
				fmt.Fprintf(conn, "ACK [5@0] {} unknown command %q\n", line)
			}
		}
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})

	addr := ln.Addr().(*net.TCPAddr)
	target := controlTarget{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second, Protocol: "mpd"}
	return target, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), cmds...)
	}
}

func TestMPDForwarder_Success(t *testing.T) {
	target, cmds := startFakeMPD(t, false)
	f := newMPDForwarder(target, false)

	res := f.Forward([]byte("status\r\n"))

	require.Equal(t, resultSuccess, res.Kind, res.String())
	assert.Equal(t, "state: play\nvolume: 50", res.Reply)
	assert.Contains(t, cmds(), "status")
}

func TestMPDForwarder_AckIsUnexpectedReply(t *testing.T) {
	target, _ := startFakeMPD(t, false)
	f := newMPDForwarder(target, true)

	res := f.Forward([]byte("frobnicate\r\n"))

	assert.Equal(t, resultUnexpectedReply, res.Kind, res.String())
	assert.Error(t, res.Err)
}

func TestMPDForwarder_ConnectionRefused(t *testing.T) {
	host, port := unusedAddr(t)
	f := newMPDForwarder(controlTarget{Host: host, Port: port, Timeout: time.Second, Protocol: "mpd"}, false)

	res := f.Forward([]byte("status\r\n"))

	assert.Equal(t, resultConnectionFailed, res.Kind)
}

func TestMPDForwarder_SilentServerTimesOut(t *testing.T) {
	target, _ := startFakeMPD(t, true)
	target.Timeout = 150 * time.Millisecond
	f := newMPDForwarder(target, false)

	start := time.Now()
	res := f.Forward([]byte("status\r\n"))

	assert.Equal(t, resultTimeout, res.Kind)
	assert.Less(t, time.Since(start), target.Timeout+500*time.Millisecond)
}

func TestMPDForwarder_EmptyCommand(t *testing.T) {
	f := newMPDForwarder(controlTarget{Timeout: time.Second}, false)
	f.dial = func(network, addr, password string) (*mpd.Client, error) {
		t.Fatal("empty command must not dial")
		return nil, nil
	}

	assert.Equal(t, resultUnexpectedReply, f.Forward([]byte("\r\n")).Kind)
}

func TestFormatAttrs(t *testing.T) {
	assert.Equal(t, "", formatAttrs(mpd.Attrs{}))
	assert.Equal(t, "a: 1\nb: two", formatAttrs(mpd.Attrs{"b": "two", "a": "1"}))
}

func TestMPDForwarder_ListReplyKeepsEveryEntry(t *testing.T) {
	target, _ := startFakeMPD(t, false)
	f := newMPDForwarder(target, false)

	res := f.Forward([]byte("playlistinfo\r\n"))

	require.Equal(t, resultSuccess, res.Kind, res.String())
	assert.Equal(t, "Pos: 0\nTitle: One\nfile: a.flac\nPos: 1\nTitle: Two\nfile: b.flac", res.Reply)
}

func TestMPDForwarder_MixedListingRejected(t *testing.T) {
	f := newMPDForwarder(controlTarget{Timeout: time.Second}, false)
	f.dial = func(network, addr, password string) (*mpd.Client, error) {
		t.Fatal("mixed listing must not dial")
		return nil, nil
	}

	res := f.Forward([]byte("lsinfo music\r\n"))

	assert.Equal(t, resultUnexpectedReply, res.Kind)
	assert.Error(t, res.Err)
}

func TestMPDForwarder_LateGreetingSendsNothing(t *testing.T) {
	target, cmds := startFakeMPDWith(t, fakeMPDOptions{greetDelay: 300 * time.Millisecond})
	target.Timeout = 100 * time.Millisecond
	f := newMPDForwarder(target, true)

	res := f.Forward([]byte("next\r\n"))
	require.Equal(t, resultTimeout, res.Kind)

	// give the abandoned dial time to complete against the server
	time.Sleep(600 * time.Millisecond)
	assert.NotContains(t, cmds(), "next")
}

func TestFormatAttrsList(t *testing.T) {
	assert.Equal(t, "", formatAttrsList(nil))
	assert.Equal(t, "file: b\nfile: a", formatAttrsList([]mpd.Attrs{{"file": "b"}, {"file": "a"}}))
}
