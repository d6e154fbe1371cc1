package headers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// ErrInvalidLocation is returned when a location is not an absolute http(s) URL.
var ErrInvalidLocation = errors.New("invalid location")

// Fetcher issues HEAD requests and parses the response headers.
type Fetcher struct {
	Client *http.Client
	// Header is added to every outgoing request.
	Header http.Header
	Logger *zap.Logger
}

// NewFetcher returns a Fetcher using client, or http.DefaultClient when nil.
func NewFetcher(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		Client: client,
		Header: make(http.Header),
		Logger: logger,
	}
}

// CheckLocation validates that location can be fetched.
func CheckLocation(location string) (*url.URL, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocation, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidLocation)
	}
	return u, nil
}

// Fetch sends one HEAD request to location. Every HTTP status counts as a
// completed load and has its headers parsed; only transport failures are
// returned as errors. There are no retries.
func (f *Fetcher) Fetch(ctx context.Context, location string) (Map, error) {
	u, err := CheckLocation(location)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for name, values := range f.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	f.Logger.Debug("head response",
		zap.String("location", u.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.String("proto", resp.Proto))
	if ce := f.Logger.Check(zap.DebugLevel, "head response headers"); ce != nil {
		ce.Write(zap.String("block", Block(resp.Header)))
	}

	return FromHTTP(resp.Header), nil
}
