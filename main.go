package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

var (
	version = "dev"

	verbose bool

	shutdown     = make(chan struct{})
	shutdownOnce sync.Once
) // var

// dbg logs only when --verbose is set
func dbg(f string, a ...any) {
	if verbose {
		log.Printf(f, a...)
	}
} // func dbg()

// requestShutdown closes the shutdown channel exactly once
func requestShutdown() {
	shutdownOnce.Do(func() {
		close(shutdown)
	})
} // func requestShutdown()

// initShutdownHandler installs a signal handler to trigger shutdown
func initShutdownHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Printf("Received %s", s)
		requestShutdown()
	}()
} // func initShutdownHandler()

// newForwarder picks the backend for the configured protocol
func newForwarder(cfg relayConfig) forwarder {
	if cfg.Target.Protocol == "mpd" {
		return newMPDForwarder(cfg.Target, cfg.Serialize)
	}
	return newVLCForwarder(cfg.Target, cfg.Serialize)
} // func newForwarder()

// main parses flags, resolves config once, and either sends a client
// command or runs the relay
func main() {
	var (
		cli         cliOptions
		configFlag  string
		relayHost   string
		useUDP      bool
		showVersion bool
		showHelp    bool
		ack         bool
		serialize   bool
		dryRun      bool
	)

	flag.StringVar(&configFlag, "config", "", "path to config file")
	flag.StringVar(&cli.TargetHost, "vlchost", "", "control target <address> (default: this host)")
	flag.IntVar(&cli.TargetPort, "vlcport", 0, fmt.Sprintf("control target <port> (default %d)", defaultTargetPort))
	flag.StringVar(&cli.Protocol, "protocol", "", "control target protocol: vlc or mpd")
	flag.StringVar(&cli.Password, "password", "", "MPD server password")
	flag.DurationVar(&cli.Timeout, "timeout", 0, fmt.Sprintf("connect/read timeout (default %s)", defaultTimeout))
	flag.StringVar(&cli.ListenIP, "listenip", "", "relay listen IP")
	flag.IntVar(&cli.TCPPort, "listenport", 0, fmt.Sprintf("relay TCP port (default %d)", defaultTCPPort))
	flag.IntVar(&cli.UDPPort, "udpport", 0, fmt.Sprintf("relay UDP port (default %d, udpport=0 in config disables)", defaultUDPPort))
	flag.IntVar(&cli.HTTPPort, "httpport", 0, "websocket/metrics port (disabled when unset)")
	flag.StringVar(&cli.SocketPath, "socket", "", "unix socket <path> for local clients (none disables)")
	flag.BoolVar(&ack, "ack", false, "acknowledge every command line back to its sender")
	flag.BoolVar(&serialize, "serialize", false, "allow only one forward to the control target at a time")
	flag.BoolVar(&dryRun, "dryrun", false, "log host actions instead of running them")
	flag.StringVar(&cli.LogPath, "log", "", "write logs to file instead of stderr")
	flag.StringVar(&cli.RestartCmd, "restartcmd", "", "command restarting the player service")
	flag.StringVar(&cli.ShutdownCmd, "shutdowncmd", "", "command shutting the host down")
	flag.StringVar(&cli.RebootCmd, "rebootcmd", "", "command rebooting the host")
	flag.StringVar(&relayHost, "relayhost", defaultRelayHost, "client: relay address to send to")
	flag.BoolVar(&useUDP, "udp", false, "client: send over UDP")
	flag.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVarP(&showHelp, "help", "h", false, "print help and exit")

	flag.Parse()

	// --ack=false must still override ack=true from the config file
	if flag.CommandLine.Changed("ack") {
		cli.Ack = &ack
	}
	if flag.CommandLine.Changed("serialize") {
		cli.Serialize = &serialize
	}
	if flag.CommandLine.Changed("dryrun") {
		cli.DryRun = &dryRun
	}

	if showVersion {
		fmt.Printf("vlcrelay version %s\n", version)
		return
	}
	if showHelp {
		fmt.Printf("vlcrelay version %s\n\n", version)
		fmt.Println("Usage: vlcrelay [flags]            run the relay")
		fmt.Println("       vlcrelay [flags] <command>  send one command to a running relay")
		flag.PrintDefaults()
		return
	}

	cf := loadConfig(configFlag)
	kv := parseConfig(cf.data)
	env := parseRelayEnv(os.Getenv)

	cfg, err := resolveConfig(cli, kv, env)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}

	// MUST be before anything else is logged
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("failed to open log file %s: %v", cfg.LogPath, err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	dumpConfig(cf)

	if args := flag.Args(); len(args) > 0 {
		if err := runClient(cfg, relayHost, useUDP, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if cfg.Target.Host == "" {
		cfg.Target.Host = resolveDefaultHost(os.Hostname, net.LookupHost)
	}
	log.Printf("control target (%s): %s timeout=%s serialize=%t", cfg.Target.Protocol, cfg.Target.Addr(), cfg.Target.Timeout, cfg.Serialize)

	if err := runRelay(cfg); err != nil {
		log.Fatalf("%v", err)
	}
} // func main()

// runClient sends one command to a running relay
func runClient(cfg relayConfig, relayHost string, useUDP bool, args []string) error {
	line, err := buildClientLine(args)
	if err != nil {
		return err
	}

	timeout := cfg.Target.Timeout + time.Second

	switch {
	case useUDP:
		if cfg.UDPPort == 0 {
			return errors.New("UDP is disabled in the config")
		}
		addr := net.JoinHostPort(relayHost, strconv.Itoa(cfg.UDPPort))
		return sendRelayCommand("udp", addr, line, cfg.Ack, timeout, os.Stdout)
	case cfg.SocketPath != "":
		// a local socket is preferred over TCP when one is configured
		return sendRelayCommand("unix", cfg.SocketPath, line, cfg.Ack, timeout, os.Stdout)
	}

	addr := net.JoinHostPort(relayHost, strconv.Itoa(cfg.TCPPort))
	return sendRelayCommand("tcp", addr, line, cfg.Ack, timeout, os.Stdout)
} // func runClient()

// runRelay starts every configured listener and blocks until shutdown
func runRelay(cfg relayConfig) error {
	metrics := newRelayMetrics()
	host := newExecHost(cfg.Commands, cfg.HostTimeout, cfg.DryRun)
	d := newDispatcher(newForwarder(cfg), host, metrics)
	opts := serveOptions{Ack: cfg.Ack}

	tcpAddr := net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", tcpAddr, err)
	}
	go func() {
		if err := serveStream(ln, "tcp", d, opts, shutdown); err != nil {
			log.Printf("[tcp] %v", err)
			requestShutdown()
		}
	}()

	var unixLn net.Listener
	if cfg.SocketPath != "" {
		unixLn, err = listenUnix(cfg.SocketPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.SocketPath, err)
		}
		go func() {
			if err := serveStream(unixLn, "unix", d, opts, shutdown); err != nil {
				log.Printf("[unix] %v", err)
				requestShutdown()
			}
		}()
	}

	var pc net.PacketConn
	if cfg.UDPPort > 0 {
		udpAddr := net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.UDPPort))
		pc, err = net.ListenPacket("udp", udpAddr)
		if err != nil {
			ln.Close()
			if unixLn != nil {
				unixLn.Close()
			}
			return fmt.Errorf("failed to listen on udp %s: %w", udpAddr, err)
		}
		go func() {
			if err := serveUDP(pc, d, opts, shutdown); err != nil {
				log.Printf("[udp] %v", err)
				requestShutdown()
			}
		}()
	}

	var srv *http.Server
	if cfg.HTTPPort > 0 {
		srv = &http.Server{
			Addr:              net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.HTTPPort)),
			Handler:           newHTTPMux(d, metrics, opts),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[ws] listening on %s (/ws, /metrics)", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[ws] server failed: %v", err)
				requestShutdown()
			}
		}()
	}

	initShutdownHandler()

	<-shutdown
	log.Println("Shutdown requested")

	ln.Close()
	if unixLn != nil {
		// closing a unix listener also removes its socket file
		unixLn.Close()
		log.Println("Socket removed")
	}
	if pc != nil {
		pc.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[ws] shutdown: %v", err)
		}
	}

	log.Println("Listeners closed, exiting")
	return nil
} // func runRelay()
