package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/missdeer/hdrfetch/event"
	"github.com/missdeer/hdrfetch/headers"
)

// SetRequestHeader sets the headers every HEAD request carries.
func SetRequestHeader(h http.Header, cfg *Config) {
	h.Set("User-Agent", cfg.UserAgent)
	h.Set("Accept", "*/*")
}

func newFetcher(cfg *Config, logger *zap.Logger) *headers.Fetcher {
	f := headers.NewFetcher(getHTTPClient(cfg.IsHTTP3(), cfg.Insecure), logger)
	SetRequestHeader(f.Header, cfg)
	return f
}

// newDispatcher wires the fetch_headers handler for location.
func newDispatcher(cfg *Config, location string, logger *zap.Logger, metrics *event.Metrics) *event.Dispatcher {
	d := event.NewDispatcher(logger, metrics)
	event.Register(d, newFetcher(cfg, logger), location)
	return d
}
