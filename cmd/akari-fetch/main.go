// Command akari-fetch is a curl-like Initiator: it sends one HTTP request
// over an AKARI-UDP tunnel to a Responder and prints the response.
//
// Usage:
//
//	akari-fetch -c config.yaml -url http://example.test/ [-method GET] [-header "Name: Value"]...
//	akari-fetch -remote host:9443 -psk-file akari.psk -url http://example.test/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/config"
	"github.com/vibing/akari-udp/pkg/initiator"
)

type headerFlags []akari.HeaderField

func (h *headerFlags) String() string { return "" }

func (h *headerFlags) Set(value string) error {
	name, val, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("header %q: expected Name: Value", value)
	}
	*h = append(*h, akari.HeaderField{Name: strings.TrimSpace(name), Value: strings.TrimSpace(val)})
	return nil
}

var (
	cfgPath   = flag.String("c", "", "config file path (initiator: section)")
	remote    = flag.String("remote", "", "Responder host:port, overrides config")
	pskFile   = flag.String("psk-file", "", "pre-shared key file, overrides config")
	encrypt   = flag.Bool("encrypt", false, "set FlagEncrypt on outgoing datagrams")
	url       = flag.String("url", "", "request URL (required)")
	method    = flag.String("method", "GET", "HTTP method: GET, HEAD or POST")
	timeout   = flag.Duration("timeout", 10*time.Second, "request deadline")
	debugDump = flag.Bool("debug", false, "dump raw datagrams to stderr")
)

var headers headerFlags

func main() {
	flag.Var(&headers, "header", "extra request header, repeatable (Name: Value)")
	flag.Parse()
	log.SetFlags(0)

	if *url == "" {
		fmt.Fprintln(os.Stderr, "error: -url is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		log.Fatalf("akari-fetch: %v", err)
	}
}

func run() error {
	var cfg config.InitiatorConfig
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		fileCfg.ApplyDefaults()
		cfg = fileCfg.Initiator
	} else {
		cfg.Request.Timeout = *timeout
		cfg.Request.InitialRequestRetries = 3
		cfg.Request.InitialRequestRetryInterval = 500 * time.Millisecond
		cfg.Request.FirstGapTimeout = 200 * time.Millisecond
		cfg.Request.MaxNackRounds = 5
		cfg.Request.MaxNackBits = 64
		cfg.Request.SocketTimeout = 100 * time.Millisecond
	}
	if *remote != "" {
		cfg.Remote = *remote
	}
	if *pskFile != "" {
		cfg.PSKFile = *pskFile
	}
	if *encrypt {
		cfg.Encrypt = true
	}
	if cfg.Remote == "" {
		return fmt.Errorf("no remote configured (pass -remote or -c config.yaml)")
	}
	if cfg.PSKFile == "" {
		return fmt.Errorf("no psk file configured (pass -psk-file or -c config.yaml)")
	}

	psk, err := config.LoadPSK(cfg.PSKFile)
	if err != nil {
		return err
	}

	httpMethod, ok := akari.ParseMethod(strings.ToUpper(*method))
	if !ok {
		return fmt.Errorf("unsupported method %q", *method)
	}

	client, err := initiator.New(cfg.Remote, psk, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Remote, err)
	}
	defer client.Close()
	if *debugDump {
		client.Debug = os.Stderr
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Request.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Fetch(ctx, httpMethod, *url, headers)
	if err != nil {
		if perr, ok := err.(*akari.PeerError); ok {
			return fmt.Errorf("responder error %d (http %d): %s", perr.Code, perr.HTTPStatus, perr.Message)
		}
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("HTTP %d (%s, %d bytes, %d nacks, %d retries)\n",
		resp.StatusCode, elapsed, len(resp.Body), resp.Stats.NacksSent, resp.Stats.RequestRetries)
	for _, h := range resp.Headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}
	fmt.Println()
	os.Stdout.Write(resp.Body)
	return nil
}
