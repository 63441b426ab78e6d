package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTargetPort     = 54322
	defaultTargetProtocol = "vlc"
	defaultTimeout        = 2 * time.Second
	defaultListenIP       = "0.0.0.0"
	defaultTCPPort        = 55550
	defaultUDPPort        = 55551
	defaultRelayHost      = "localhost"
	defaultHostTimeout    = 30 * time.Second
	defaultRestartCmd     = "systemctl --user restart vlc-loader.service"
	defaultShutdownCmd    = "sudo shutdown -h now"
	defaultRebootCmd      = "sudo shutdown -r now"
) // const

// relayConfig is resolved once at startup and never mutated afterwards.
type relayConfig struct {
	Target      controlTarget
	ListenIP    string
	TCPPort     int
	UDPPort     int    // 0 disables the UDP listener
	HTTPPort    int    // 0 disables the websocket/metrics server
	SocketPath  string // empty disables the unix socket listener
	Ack         bool
	Serialize   bool
	DryRun      bool
	HostTimeout time.Duration
	Commands    hostCommands
	LogPath     string
} // type relayConfig struct

// cliOptions holds raw flag values. Zero values mean "not given"; the
// booleans are nil unless the flag was set explicitly.
type cliOptions struct {
	TargetHost  string
	TargetPort  int
	Protocol    string
	Password    string
	Timeout     time.Duration
	ListenIP    string
	TCPPort     int
	UDPPort     int
	HTTPPort    int
	SocketPath  string
	Ack         *bool
	Serialize   *bool
	DryRun      *bool
	LogPath     string
	RestartCmd  string
	ShutdownCmd string
	RebootCmd   string
} // type cliOptions struct

type relayEnv struct {
	targetHost string
	targetPort int
}

type configFile struct {
	path   string
	data   string
	exists bool
} // type configFile struct

// loadConfig loads the config file from a given path or defaults to ~/.config/vlcrelay.conf
func loadConfig(cliPath string) configFile {
	var path string

	if cliPath != "" {
		path = cliPath
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return configFile{}
		}
		path = filepath.Join(home, ".config", "vlcrelay.conf")
	}

	cf := configFile{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return cf
	}

	cf.exists = true
	cf.data = string(data)
	return cf
} // func loadConfig(cliPath string) configFile

// dumpConfig logs the config path and, when verbose, its contents
func dumpConfig(cf configFile) {
	log.Printf("[config] path: %s", cf.path)

	if !cf.exists {
		log.Printf("[config] file not found, using flags/env/defaults")
		return
	}

	dbg("config contents:\n-----\n%s\n-----", strings.TrimRight(cf.data, "\n"))
} // func dumpConfig(cf configFile)

// parseConfig parses key=value lines from a string into a map
func parseConfig(data string) map[string]string {
	cfg := make(map[string]string)

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)

		if k != "" {
			cfg[k] = v
		}
	}
	return cfg
} // func parseConfig(data string) map[string]string

// parseRelayEnv reads VLC_HOST and VLC_PORT. VLC_HOST may carry a port as host:port.
func parseRelayEnv(getenv func(string) string) relayEnv {
	var env relayEnv

	if v := getenv("VLC_HOST"); v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			env.targetHost = h
			if n, err := strconv.Atoi(p); err == nil {
				env.targetPort = n
			}
		} else {
			env.targetHost = v
		}
	}

	if p := getenv("VLC_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			env.targetPort = n
		} else {
			log.Printf("[config] ignoring invalid VLC_PORT %q", p)
		}
	}

	return env
} // func parseRelayEnv()

// resolveConfig applies precedence CLI > config file > environment > default.
func resolveConfig(cli cliOptions, kv map[string]string, env relayEnv) (relayConfig, error) {
	cfg := relayConfig{}

	cfg.Target.Host = firstString(cli.TargetHost, kv["vlchost"], env.targetHost)

	port, err := firstInt("vlcport", cli.TargetPort, kv["vlcport"], env.targetPort, defaultTargetPort)
	if err != nil {
		return cfg, err
	}
	cfg.Target.Port = port

	cfg.Target.Protocol = strings.ToLower(firstString(cli.Protocol, kv["protocol"], defaultTargetProtocol))
	switch cfg.Target.Protocol {
	case "vlc", "mpd":
	default:
		return cfg, fmt.Errorf("unknown protocol %q (want vlc or mpd)", cfg.Target.Protocol)
	}
	cfg.Target.Password = firstString(cli.Password, kv["password"])

	timeout, err := firstDuration("timeout", cli.Timeout, kv["timeout"], defaultTimeout)
	if err != nil {
		return cfg, err
	}
	cfg.Target.Timeout = timeout

	cfg.ListenIP = firstString(cli.ListenIP, kv["listenip"], defaultListenIP)

	if cfg.TCPPort, err = firstInt("listenport", cli.TCPPort, kv["listenport"], 0, defaultTCPPort); err != nil {
		return cfg, err
	}
	// udpport=0 in the config file disables UDP, so a missing key and "0" differ
	if cfg.UDPPort, err = firstInt("udpport", cli.UDPPort, kv["udpport"], 0, defaultUDPPort); err != nil {
		return cfg, err
	}
	if cfg.HTTPPort, err = firstInt("httpport", cli.HTTPPort, kv["httpport"], 0, 0); err != nil {
		return cfg, err
	}

	cfg.SocketPath = firstString(cli.SocketPath, kv["socket"])
	if cfg.SocketPath == "none" {
		cfg.SocketPath = ""
	}

	if cfg.Ack, err = firstBool("ack", cli.Ack, kv["ack"]); err != nil {
		return cfg, err
	}
	if cfg.Serialize, err = firstBool("serialize", cli.Serialize, kv["serialize"]); err != nil {
		return cfg, err
	}
	if cfg.DryRun, err = firstBool("dryrun", cli.DryRun, kv["dryrun"]); err != nil {
		return cfg, err
	}

	if cfg.HostTimeout, err = firstDuration("hosttimeout", 0, kv["hosttimeout"], defaultHostTimeout); err != nil {
		return cfg, err
	}

	cfg.Commands = hostCommands{
		Restart:  strings.Fields(firstString(cli.RestartCmd, kv["restartcmd"], defaultRestartCmd)),
		Shutdown: strings.Fields(firstString(cli.ShutdownCmd, kv["shutdowncmd"], defaultShutdownCmd)),
		Reboot:   strings.Fields(firstString(cli.RebootCmd, kv["rebootcmd"], defaultRebootCmd)),
	}

	cfg.LogPath = firstString(cli.LogPath, kv["log"])

	return cfg, nil
} // func resolveConfig()

// resolveDefaultHost returns this host's own address, falling back to loopback.
func resolveDefaultHost(hostname func() (string, error), lookup func(string) ([]string, error)) string {
	name, err := hostname()
	if err != nil {
		log.Printf("[config] hostname lookup failed: %v", err)
		return "127.0.0.1"
	}

	addrs, err := lookup(name)
	if err != nil || len(addrs) == 0 {
		log.Printf("[config] cannot resolve %s: %v", name, err)
		return "127.0.0.1"
	}

	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
} // func resolveDefaultHost()

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(key string, cli int, conf string, env int, def int) (int, error) {
	if cli != 0 {
		return cli, nil
	}
	if conf != "" {
		n, err := strconv.Atoi(conf)
		if err != nil || n < 0 || n > 65535 {
			return 0, fmt.Errorf("config %s: invalid port %q", key, conf)
		}
		return n, nil
	}
	if env != 0 {
		return env, nil
	}
	return def, nil
} // func firstInt()

func firstDuration(key string, cli time.Duration, conf string, def time.Duration) (time.Duration, error) {
	if cli > 0 {
		return cli, nil
	}
	if conf != "" {
		// bare numbers are seconds, like the original relay's socket timeout
		if n, err := strconv.ParseFloat(conf, 64); err == nil && n > 0 {
			return time.Duration(n * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(conf)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("config %s: invalid duration %q", key, conf)
		}
		return d, nil
	}
	return def, nil
} // func firstDuration()

func firstBool(key string, cli *bool, conf string) (bool, error) {
	if cli != nil {
		return *cli, nil
	}
	if conf == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(conf)
	if err != nil {
		return false, fmt.Errorf("config %s: invalid boolean %q", key, conf)
	}
	return b, nil
} // func firstBool()
