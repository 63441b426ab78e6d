package main

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClientLine(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{[]string{"pi_shutdown"}, "pi_shutdown\n", false},
		{[]string{"pi_restart_vlc"}, "pi_restart_vlc\n", false},
		{[]string{"add", "/music/a.flac"}, "add /music/a.flac\r\n", false},
		{[]string{"playlist"}, "playlist\r\n", false},
		{[]string{"  "}, "", true},
		{nil, "", true},
		{[]string{"a\nb"}, "", true},
	}

	for _, tt := range tests {
		line, err := buildClientLine(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%q", tt.args)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(line))
	}
}

func TestSendRelayCommand_WithAck(t *testing.T) {
	fwd := &fakeForwarder{}
	addr := startTCPRelay(t, newDispatcher(fwd, &fakeHost{}, nil), serveOptions{Ack: true})

	var out bytes.Buffer
	err := sendRelayCommand("tcp", addr, []byte("volume 256\r\n"), true, 2*time.Second, &out)

	require.NoError(t, err)
	assert.Equal(t, "OK volume 256\n", out.String())
	assert.Equal(t, []string{"volume 256\r\n"}, fwd.Lines())
}

func TestSendRelayCommand_ReportsFailure(t *testing.T) {
	fwd := &fakeForwarder{kind: resultTimeout}
	addr := startTCPRelay(t, newDispatcher(fwd, &fakeHost{}, nil), serveOptions{Ack: true})

	var out bytes.Buffer
	err := sendRelayCommand("tcp", addr, []byte("next\r\n"), true, 2*time.Second, &out)

	assert.Error(t, err)
	assert.Contains(t, out.String(), "ERR timeout")
}

func TestSendRelayCommand_NoRelay(t *testing.T) {
	host, port := unusedAddr(t)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	err := sendRelayCommand("tcp", addr, []byte("next\r\n"), false, time.Second, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to connect to relay")
}
