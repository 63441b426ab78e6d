package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	maxLineBytes     = 4096
	maxDatagramBytes = 64 * 1024

	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = time.Second
)

// retryDelay doubles the previous delay, bounded by maxRetryDelay.
func retryDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minRetryDelay
	}
	if prev *= 2; prev > maxRetryDelay {
		return maxRetryDelay
	}
	return prev
}

// serveOptions are shared by the inbound listeners.
type serveOptions struct {
	Ack bool
}

// serveStream accepts connections on a tcp or unix listener until done is
// closed, one goroutine each. The caller closes ln to stop it.
func serveStream(ln net.Listener, transport string, d *dispatcher, opts serveOptions, done <-chan struct{}) error {
	log.Printf("[%s] listening on %s", transport, ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%s listener closed: %w", transport, err)
			}
			delay = retryDelay(delay)
			log.Printf("[%s] accept error: %v; retrying in %s", transport, err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		go handleConn(conn, transport, d, opts)
	}
} // func serveStream()

// handleConn reads lines from one peer and dispatches them in order.
func handleConn(conn net.Conn, transport string, d *dispatcher, opts serveOptions) {
	id := uuid.NewString()[:8]
	source := fmt.Sprintf("%s/%s/%s", transport, id, conn.RemoteAddr())

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] %s panic: %v", transport, source, r)
		}
		conn.Close()
	}()

	log.Printf("[%s] got inbound connection from %s", transport, source)

	r := bufio.NewReaderSize(conn, maxLineBytes)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			log.Printf("[%s] %s line exceeds %d bytes, closing", transport, source, maxLineBytes)
			return
		}
		if len(line) > 0 {
			// ReadSlice's buffer is reused by the next read
			msg := append([]byte(nil), line...)
			dbg("[%s] %s received %q", transport, source, msg)
			out := d.Dispatch(transport, source, msg)
			if opts.Ack {
				if _, werr := fmt.Fprintf(conn, "%s\n", out.ackLine()); werr != nil {
					log.Printf("[%s] %s ack write failed: %v", transport, source, werr)
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[%s] %s read error: %v", transport, source, err)
				return
			}
			log.Printf("[%s] %s closed", transport, source)
			return
		}
	}
} // func handleConn()

// listenUnix binds a unix socket for local clients, replacing a stale one.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	// owner+group read/write
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
} // func listenUnix()

// serveUDP treats each datagram as exactly one command line and handles it
// inline. The caller closes pc to stop it.
func serveUDP(pc net.PacketConn, d *dispatcher, opts serveOptions, done <-chan struct{}) error {
	log.Printf("[udp] listening on %s", pc.LocalAddr())

	buf := make([]byte, maxDatagramBytes)
	var delay time.Duration
	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("udp listener closed: %w", err)
			}
			delay = retryDelay(delay)
			log.Printf("[udp] read error: %v; retrying in %s", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		if n == 0 {
			continue
		}

		msg := append([]byte(nil), buf[:n]...)
		source := "udp/" + src.String()
		dbg("[udp] %s received %q", source, msg)

		out := d.Dispatch("udp", source, msg)
		if opts.Ack {
			if _, err := pc.WriteTo([]byte(out.ackLine()+"\n"), src); err != nil {
				log.Printf("[udp] %s ack write failed: %v", source, err)
			}
		}
	}
} // func serveUDP()
