package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
)

// mpdForwarder relays command lines to an MPD server instead of VLC.
type mpdForwarder struct {
	target controlTarget
	mu     *sync.Mutex
	dial   func(network, addr, password string) (*mpd.Client, error)
} // type mpdForwarder struct

func newMPDForwarder(t controlTarget, serialize bool) *mpdForwarder {
	f := &mpdForwarder{target: t, dial: dialMPD}
	if serialize {
		f.mu = &sync.Mutex{}
	}
	return f
}

// dialMPD connects to MPD and applies the password if one is set
func dialMPD(network, addr, password string) (*mpd.Client, error) {
	if password != "" {
		return mpd.DialAuthenticated(network, addr, password)
	}
	return mpd.Dial(network, addr)
} // func dialMPD()

type mpdCall struct {
	reply   string
	err     error
	dialErr error
}

// mpdHandoff decides who owns a dialed client once the timeout may have
// fired. Once abandoned is set, nothing more is sent to the server.
type mpdHandoff struct {
	mu        sync.Mutex
	abandoned bool
	client    *mpd.Client
}

// claim hands c to the caller for use, or reports false when the forward
// was already given up on.
func (h *mpdHandoff) claim(c *mpd.Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		return false
	}
	h.client = c
	return true
}

// abandon stops any later claim and returns the client claimed so far.
func (h *mpdHandoff) abandon() *mpd.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = true
	return h.client
}

// Forward sends one raw command to MPD. The whole exchange, connect
// included, is bounded by the target timeout.
func (f *mpdForwarder) Forward(cmd []byte) sessionResult {
	if f.mu != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	line := string(bytes.TrimRight(cmd, "\r\n"))
	if line == "" {
		return sessionResult{Kind: resultUnexpectedReply, Raw: cmd, Err: errors.New("empty mpd command")}
	}
	name, _, _ := strings.Cut(line, " ")
	if mixedListing[name] {
		return sessionResult{
			Kind: resultUnexpectedReply,
			Raw:  cmd,
			Err:  fmt.Errorf("mpd %s: mixed directory listings cannot be relayed", name),
		}
	}

	var h mpdHandoff
	done := make(chan mpdCall, 1)

	go func() {
		c, err := f.dial("tcp", f.target.Addr(), f.target.Password)
		if err != nil {
			if c != nil {
				closeMPD(c)
			}
			done <- mpdCall{dialErr: err}
			return
		}
		if !h.claim(c) {
			// late greeting after the caller gave up
			dbg("[mpd] %s answered after timeout, dropping %q", f.target.Addr(), line)
			closeMPD(c)
			return
		}
		reply, err := runMPD(c, name, line)
		done <- mpdCall{reply: reply, err: err}
	}()

	select {
	case call := <-done:
		if c := h.abandon(); c != nil {
			closeMPD(c)
		}
		return mpdResult(f.target, call)
	case <-time.After(f.target.Timeout):
		// closing the client unblocks the pending read in the goroutine
		if c := h.abandon(); c != nil {
			closeMPD(c)
		}
		return sessionResult{
			Kind: resultTimeout,
			Err:  fmt.Errorf("mpd %s: no reply within %s", f.target.Addr(), f.target.Timeout),
		}
	}
} // func (f *mpdForwarder) Forward()

func closeMPD(c *mpd.Client) {
	if err := c.Close(); err != nil {
		dbg("[mpd] close: %v", err)
	}
}

// listStartKeys maps commands replying with several entries to the key
// that opens each entry.
var listStartKeys = map[string]string{
	"playlistinfo":     "file",
	"playlistid":       "file",
	"playlistfind":     "file",
	"playlistsearch":   "file",
	"plchanges":        "file",
	"find":             "file",
	"search":           "file",
	"listplaylist":     "file",
	"listplaylistinfo": "file",
	"searchplaylist":   "file",
	"plchangesposid":   "cpos",
	"outputs":          "outputid",
	"listplaylists":    "playlist",
	"decoders":         "plugin",
	"listmounts":       "mount",
	"listneighbors":    "neighbor",
	"listpartitions":   "partition",
	"channels":         "channel",
	"readmessages":     "channel",
	"commands":         "command",
	"notcommands":      "command",
	"tagtypes":         "tagtype",
	"urlhandlers":      "handler",
}

// mixedListing commands interleave directory, file and playlist entries,
// which have no single start key.
var mixedListing = map[string]bool{
	"lsinfo":      true,
	"listall":     true,
	"listallinfo": true,
	"listfiles":   true,
}

// runMPD sends line and renders the reply, keeping entry order for list
// replies.
func runMPD(c *mpd.Client, name, line string) (string, error) {
	if key, ok := listStartKeys[name]; ok {
		entries, err := c.Command("%s", mpd.Quoted(line)).AttrsList(key)
		if err != nil {
			return "", err
		}
		return formatAttrsList(entries), nil
	}
	attrs, err := c.Command("%s", mpd.Quoted(line)).Attrs()
	if err != nil {
		return "", err
	}
	return formatAttrs(attrs), nil
} // func runMPD()

func mpdResult(t controlTarget, call mpdCall) sessionResult {
	if call.dialErr != nil {
		return resultFromError(fmt.Errorf("connect %s: %w", t.Addr(), call.dialErr))
	}

	if call.err != nil {
		var ne net.Error
		if errors.As(call.err, &ne) || errors.Is(call.err, io.EOF) ||
			errors.Is(call.err, io.ErrUnexpectedEOF) || errors.Is(call.err, net.ErrClosed) {
			return resultFromError(call.err)
		}
		// anything else is an ACK or a reply gompd could not parse
		return sessionResult{Kind: resultUnexpectedReply, Raw: []byte(call.err.Error()), Err: call.err}
	}

	return sessionResult{Kind: resultSuccess, Reply: call.reply}
} // func mpdResult()

// formatAttrs renders an MPD reply as sorted "key: value" lines.
func formatAttrs(attrs mpd.Attrs) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", k, attrs[k])
	}
	return b.String()
} // func formatAttrs()

// formatAttrsList renders list entries in server order.
func formatAttrsList(entries []mpd.Attrs) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, formatAttrs(e))
	}
	return strings.Join(parts, "\n")
}
