package main

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/missdeer/hdrfetch/headers"
)

const version = "0.1.0"

var (
	ErrUnknownMode     = errors.New("unsupported work mode, available values: fetch, serve")
	ErrUnknownProtocol = errors.New("unsupported protocol, available values: http, quic")
	ErrMissingLocation = errors.New("location is missing")
	ErrMissingKeypair  = errors.New("cert and key must be given together, and are required for quic")
)

// Config holds the command line settings.
type Config struct {
	Mode      string
	Protocol  string
	Location  string
	Listen    string
	CertFile  string
	KeyFile   string
	Insecure  bool
	UserAgent string
	RateLimit float64
	RateBurst int
	Verbose   bool
	Help      bool
	// Select limits fetch mode output to these header names.
	Select []string
	// Locations are the positional arguments.
	Locations []string
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("hdrfetch", flag.ContinueOnError)
	fs.StringVarP(&cfg.Mode, "mode", "m", "fetch", "work mode, candidates: fetch, serve")
	fs.StringVarP(&cfg.Protocol, "protocol", "p", "http", "transfer protocol, candidates: http(/http1/http1.1/http2, h2 is negotiated over TLS), quic(/http3)")
	fs.StringVarP(&cfg.Location, "location", "u", "", "current location that fetch_headers sends HEAD requests to")
	fs.StringVarP(&cfg.Listen, "listen", "l", ":8080", "listen address, serve mode only")
	fs.StringVarP(&cfg.CertFile, "cert", "t", "", "SSL certificate file path, serve mode only")
	fs.StringVarP(&cfg.KeyFile, "key", "k", "", "SSL key file path, serve mode only")
	fs.BoolVarP(&cfg.Insecure, "insecure", "i", false, "skip TLS certificate verification of the location")
	fs.StringVarP(&cfg.UserAgent, "user-agent", "a", "hdrfetch/"+version, "User-Agent of HEAD requests")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 10, "bridge requests per second per client, 0 disables, serve mode only")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 20, "bridge request burst per client, serve mode only")
	fs.StringSliceVarP(&cfg.Select, "select", "s", nil, "only print these headers, fetch mode only")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&cfg.Help, "help", "h", false, "show this help message")
	return fs
}

func parseConfig(args []string) (*Config, *flag.FlagSet, error) {
	cfg := &Config{}
	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	cfg.Locations = fs.Args()
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.Protocol = strings.ToLower(cfg.Protocol)
	return cfg, fs, nil
}

// IsHTTP3 reports whether the protocol selects QUIC.
func (c *Config) IsHTTP3() bool {
	return c.Protocol == "quic" || c.Protocol == "http3"
}

// TLS reports whether a certificate was configured.
func (c *Config) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Targets returns the locations fetch mode works on.
func (c *Config) Targets() []string {
	if len(c.Locations) > 0 {
		return c.Locations
	}
	if c.Location != "" {
		return []string{c.Location}
	}
	return nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Protocol {
	case "http", "http1", "http1.1", "http2", "quic", "http3":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, c.Protocol)
	}

	switch c.Mode {
	case "fetch":
		targets := c.Targets()
		if len(targets) == 0 {
			return ErrMissingLocation
		}
		for _, t := range targets {
			if _, err := headers.CheckLocation(t); err != nil {
				return err
			}
		}
	case "serve":
		if c.Location == "" {
			return ErrMissingLocation
		}
		if _, err := headers.CheckLocation(c.Location); err != nil {
			return err
		}
		if (c.CertFile == "") != (c.KeyFile == "") || (c.IsHTTP3() && !c.TLS()) {
			return ErrMissingKeypair
		}
		if c.RateLimit < 0 || c.RateBurst < 0 {
			return errors.New("rate limit and burst must not be negative")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	return nil
}
