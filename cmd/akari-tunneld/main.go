// Command akari-tunneld is the origin-facing Responder daemon: it loads a
// config file, binds a UDP socket, and answers AKARI-UDP requests by
// invoking a Fetcher and streaming the result back. It runs against a stub
// Fetcher (see pkg/responder.NewStubFetcher) since the real outbound
// HTTP(S) client is an external collaborator outside this module's scope;
// embedders link in their own Fetcher.
//
// Usage:
//
//	akari-tunneld -c config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibing/akari-udp/pkg/config"
	"github.com/vibing/akari-udp/pkg/responder"
	"github.com/vibing/akari-udp/pkg/transport"
)

var cfgPath = flag.String("c", "", "config file path (required)")

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "usage: akari-tunneld -c config.yaml")
		os.Exit(1)
	}

	if err := run(*cfgPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfgPath string) error {
	log.Printf("loading config: %s", cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.Responder.Bind == "" {
		return fmt.Errorf("config: responder.bind is required")
	}

	psk, err := config.LoadPSK(cfg.Responder.PSKFile)
	if err != nil {
		return fmt.Errorf("load psk: %w", err)
	}

	conn, err := transport.Listen(cfg.Responder.Bind, transport.DefaultSocketConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Responder.Bind, err)
	}
	defer conn.Close()
	log.Printf("responder listening on %s", conn.LocalAddr())

	// The outbound HTTP(S) fetcher is an external collaborator, out of scope
	// for this daemon: operators wire in their own Fetcher against their
	// origin infrastructure. NewStubFetcher stands in here so the daemon is
	// runnable end to end without one.
	fetcher := responder.NewStubFetcher()
	srv := responder.New(conn, psk, fetcher, cfg.Responder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	log.Printf("responder ready (pid %d): require_encryption=%v mtu_budget=%d parity_enabled=%v",
		os.Getpid(), cfg.Responder.RequireEncryption, cfg.Responder.MTUBudget, cfg.Responder.ParityEnabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down...", sig)
		cancel()
		select {
		case <-serveErr:
		case <-time.After(5 * time.Second):
			log.Printf("shutdown timeout (5s), force exit")
		}
		return nil
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}
}
