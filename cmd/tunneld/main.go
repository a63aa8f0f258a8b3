// Tunneld is a remote-management tunnel daemon.
//
// It holds a control connection to the management server, opens relay
// tunnels on request (terminal, desktop, file access, raw TCP/UDP), and
// runs a local IPC hub that companion apps use for session visibility and
// help requests.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/seamlessrm/tunneld/internal/config"
	"github.com/seamlessrm/tunneld/internal/daipc"
	"github.com/seamlessrm/tunneld/internal/term"
	"github.com/seamlessrm/tunneld/internal/tunnel"
	"github.com/seamlessrm/tunneld/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := pflag.String("config", "tunneld.yaml", "Path to the YAML config file")
	serverURL := pflag.String("server", "", "Management server websocket URL (overrides config)")
	hubListen := pflag.String("hub-listen", "", "Local hub listen address (overrides config)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *hubListen != "" {
		cfg.HubListen = *hubListen
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	if cfg.ServerURL == "" {
		util.LogError("no server URL: set serverUrl in %s or pass --server", *configPath)
		os.Exit(1)
	}

	pterm.Info.Println("Tunneld v" + version)
	pterm.Println()

	link := newServerLink(cfg.ServerURL, cfg.ServerTLSHash)

	// The hub fans session-counter changes out to companion apps, but it
	// is built after the engine; the fanout fills in once both exist.
	fan := &sessionFanout{}
	mgr := tunnel.NewManager(tunnel.Options{
		Upstream: link,
		Sessions: fan,
		Shell:    term.ExecFactory{},
		// No screen-capture backend ships with this build; desktop
		// tunnels are rejected until one is wired in.
		Desktop:        nil,
		ConsentTimeout: cfg.ConsentTimeout,
		ServerTLSHash:  cfg.ServerTLSHash,
	})
	hub := daipc.New(mgr, link, nil)
	fan.hub = hub
	link.mgr = mgr
	link.hub = hub

	if err := hub.Listen(cfg.HubListen); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer hub.Close()

	util.StartStatsReporter(ctx)
	link.run(ctx)

	mgr.CloseAll()
	util.LogInfo("tunneld stopped")
}

// sessionFanout forwards engine counter changes to the hub once it
// exists. Changes before that (there are none in practice; tunnels only
// open after the server link is up) are dropped.
type sessionFanout struct {
	hub *daipc.Hub
}

func (s *sessionFanout) SessionsChanged(category string, counts map[string]int) {
	if s.hub != nil {
		s.hub.SessionsChanged(category, counts)
	}
}
