// Package config handles AKARI-UDP engine configuration file parsing and
// validation.
//
// The configuration is a YAML file with two top-level sections, one per
// engine:
//
//	initiator:
//	  remote: "responder.example.com:9443"
//	  psk_file: "akari.psk"
//	  encrypt: true
//	  short_identifier: false
//	  request:
//	    timeout: 10s
//	    initial_request_retries: 3
//	    initial_request_retry_interval: 500ms
//	    first_gap_timeout: 200ms
//	    max_nack_rounds: 5
//	responder:
//	  bind: "0.0.0.0:9443"
//	  psk_file: "akari.psk"
//	  require_encryption: true
//	  mtu_budget: 1400
//	  parity_enabled: true
//	  head_duplication: 4
//	  body_duplication: 1
//	  resp_cache_ttl: 5s
//
// Unlike the teacher's config.Manager, this configuration is not watched or
// hot-reloaded: it is passed in at construction and frozen for the engine's
// lifetime.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file. A process typically populates
// only the section(s) matching the binary it drives (akari-fetch reads
// Initiator, akari-tunneld reads Responder).
type Config struct {
	Initiator InitiatorConfig `yaml:"initiator"`
	Responder ResponderConfig `yaml:"responder"`
}

// InitiatorConfig configures one Client.
type InitiatorConfig struct {
	// Remote is the Responder's "host:port".
	Remote string `yaml:"remote"`

	// PSKFile is the path to the pre-shared key file. Relative paths are
	// resolved against the config file's directory.
	PSKFile string `yaml:"psk_file"`

	// Encrypt sets FlagEncrypt on every outgoing datagram. Mutually
	// exclusive with AggregateTag: a datagram cannot both be individually
	// tagged and deferred to the aggregate tag.
	Encrypt bool `yaml:"encrypt"`

	// AggregateTag records that responses are expected to carry a single
	// deferred tag over the whole body. The Client never sets
	// FlagAggregateTag itself; the field is used only to reject the
	// Encrypt+AggregateTag combination before anything is sent.
	AggregateTag bool `yaml:"aggregate_tag"`

	// ShortIdentifier sets FlagShortIdentifier, using a 16-bit request
	// identifier zero-extended to 64 bits instead of an 8-byte identifier.
	ShortIdentifier bool `yaml:"short_identifier"`

	// ParityExpected must match the Responder's parity_enabled policy. The
	// wire carries no per-datagram signal of whether the last chunk index is
	// data or XOR parity (both are structurally ordinary body datagrams), so
	// this is agreed out of band the same way the PSK is: both operators set
	// it to the same value when standing up a tunnel.
	ParityExpected bool `yaml:"parity_expected"`

	Request RequestConfig `yaml:"request"`
}

// RequestConfig is the per-request tuning knobs a Client applies to every
// Fetch call.
type RequestConfig struct {
	// Timeout is the hard per-request deadline.
	Timeout time.Duration `yaml:"timeout"`

	// InitialRequestRetries bounds how many times the Req datagram is
	// retransmitted before any response datagram arrives.
	InitialRequestRetries int `yaml:"initial_request_retries"`

	// InitialRequestRetryInterval is the silence duration before a Req
	// retransmit.
	InitialRequestRetryInterval time.Duration `yaml:"initial_request_retry_interval"`

	// FirstGapTimeout is how long the first-gap sequence may sit unchanged
	// before a NackBody/NackHead is emitted.
	FirstGapTimeout time.Duration `yaml:"first_gap_timeout"`

	// MaxNackRounds bounds retransmission requests per request lifetime.
	MaxNackRounds int `yaml:"max_nack_rounds"`

	// MaxNackBits bounds how many missing sequences one NackBody names.
	MaxNackBits int `yaml:"max_nack_bits"`

	// SocketTimeout bounds a single blocking socket read inside the receive
	// loop, so timers can be re-checked even under total silence.
	SocketTimeout time.Duration `yaml:"socket_timeout"`
}

// ResponderConfig configures one Server.
type ResponderConfig struct {
	// Bind is the local "host:port" to listen on.
	Bind string `yaml:"bind"`

	// PSKFile is the path to the pre-shared key file.
	PSKFile string `yaml:"psk_file"`

	// RequireEncryption rejects any Req datagram lacking FlagEncrypt with
	// Error(unencrypted-refused).
	RequireEncryption bool `yaml:"require_encryption"`

	// MTUBudget is the working per-datagram size the chunker targets.
	MTUBudget int `yaml:"mtu_budget"`

	// ParityEnabled appends one XOR parity chunk per chunked response.
	ParityEnabled bool `yaml:"parity_enabled"`

	// HeadDuplication is how many times each head datagram is sent verbatim.
	HeadDuplication int `yaml:"head_duplication"`

	// BodyDuplication is how many times each body datagram is sent verbatim.
	BodyDuplication int `yaml:"body_duplication"`

	// RespCacheTTL is how long a completed response is retained to serve
	// retransmits before its request state is discarded.
	RespCacheTTL time.Duration `yaml:"resp_cache_ttl"`

	// ReplayWindow is the retention window of the replay cache.
	ReplayWindow time.Duration `yaml:"replay_window"`
}

// Load reads and parses a YAML config file, resolving relative PSK file
// paths against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if absDir, err := filepath.Abs(dir); err == nil {
		dir = absDir
	}
	cfg.ResolveRelativePaths(dir)

	return cfg, nil
}

// Parse parses a YAML config from raw bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return &cfg, nil
}

// ResolveRelativePaths resolves relative file paths in the config against
// contextDir, typically the config file's directory.
func (c *Config) ResolveRelativePaths(contextDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(contextDir, p)
	}
	c.Initiator.PSKFile = resolve(c.Initiator.PSKFile)
	c.Responder.PSKFile = resolve(c.Responder.PSKFile)
}

// ApplyDefaults fills unset fields with the engines' recommended defaults.
func (c *Config) ApplyDefaults() {
	if c.Initiator.Request.Timeout == 0 {
		c.Initiator.Request.Timeout = 10 * time.Second
	}
	if c.Initiator.Request.InitialRequestRetries == 0 {
		c.Initiator.Request.InitialRequestRetries = 3
	}
	if c.Initiator.Request.InitialRequestRetryInterval == 0 {
		c.Initiator.Request.InitialRequestRetryInterval = 500 * time.Millisecond
	}
	if c.Initiator.Request.FirstGapTimeout == 0 {
		c.Initiator.Request.FirstGapTimeout = 200 * time.Millisecond
	}
	if c.Initiator.Request.MaxNackRounds == 0 {
		c.Initiator.Request.MaxNackRounds = 5
	}
	if c.Initiator.Request.MaxNackBits == 0 {
		c.Initiator.Request.MaxNackBits = 64
	}
	if c.Initiator.Request.SocketTimeout == 0 {
		c.Initiator.Request.SocketTimeout = 100 * time.Millisecond
	}

	if c.Responder.MTUBudget == 0 {
		c.Responder.MTUBudget = 1400
	}
	if c.Responder.HeadDuplication == 0 {
		c.Responder.HeadDuplication = 4
	}
	if c.Responder.BodyDuplication == 0 {
		c.Responder.BodyDuplication = 1
	}
	if c.Responder.RespCacheTTL == 0 {
		c.Responder.RespCacheTTL = 5 * time.Second
	}
	if c.Responder.ReplayWindow == 0 {
		c.Responder.ReplayWindow = 30 * time.Second
	}
}

// Validate checks the configuration for errors. Call ApplyDefaults first if
// defaults should be considered set.
func (c *Config) Validate() error {
	if c.Initiator.Remote != "" {
		if _, _, err := net.SplitHostPort(c.Initiator.Remote); err != nil {
			return fmt.Errorf("config: initiator.remote: %w", err)
		}
		if c.Initiator.Encrypt && c.Initiator.AggregateTag {
			return fmt.Errorf("config: initiator: encrypt and aggregate_tag are mutually exclusive")
		}
		if c.Initiator.PSKFile == "" {
			return fmt.Errorf("config: initiator.psk_file is required")
		}
	}

	if c.Responder.Bind != "" {
		if _, _, err := net.SplitHostPort(c.Responder.Bind); err != nil {
			return fmt.Errorf("config: responder.bind: %w", err)
		}
		if c.Responder.PSKFile == "" {
			return fmt.Errorf("config: responder.psk_file is required")
		}
		if c.Responder.MTUBudget < 64 || c.Responder.MTUBudget > 65535 {
			return fmt.Errorf("config: responder.mtu_budget must be between 64 and 65535, got %d", c.Responder.MTUBudget)
		}
	}

	return nil
}

// LoadPSK reads a hex- or raw-encoded pre-shared key file. A file whose
// trimmed contents decode as hex is treated as hex; otherwise the raw bytes
// are the key.
func LoadPSK(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read psk file %s: %w", path, err)
	}
	trimmed := trimTrailingNewline(data)
	if decoded, err := hex.DecodeString(string(trimmed)); err == nil {
		return decoded, nil
	}
	return trimmed, nil
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
