package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// buildClientLine turns positional args into one terminated command line.
// Local action literals get a bare LF, everything else CR+LF.
func buildClientLine(args []string) ([]byte, error) {
	cmd := strings.TrimSpace(strings.Join(args, " "))
	if cmd == "" {
		return nil, fmt.Errorf("no client command provided")
	}
	if strings.ContainsAny(cmd, "\r\n") {
		return nil, fmt.Errorf("client command must be a single line")
	}
	if isLocalLiteral(cmd) {
		return []byte(cmd + "\n"), nil
	}
	return []byte(cmd + "\r\n"), nil
} // func buildClientLine()

// sendRelayCommand sends one line to a running relay. With ack it waits for
// the relay's one-line acknowledgement and writes it to out.
func sendRelayCommand(network, addr string, line []byte, ack bool, timeout time.Duration, out io.Writer) error {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	dbg("[client] sent %q to %s/%s", line, network, addr)

	if !ack {
		return nil
	}

	// the relay only acknowledges when started with --ack; a timeout here
	// usually means it was not
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("no acknowledgement from relay: %w", err)
	}
	fmt.Fprint(out, reply)
	if strings.HasPrefix(reply, "ERR") {
		return fmt.Errorf("relay reported failure")
	}
	return nil
} // func sendRelayCommand()
