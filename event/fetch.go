package event

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/missdeer/hdrfetch/headers"
)

// FetchHeaders is the function name served by FetchHandler.
const FetchHeaders = "fetch_headers"

// FetchHandler answers fetch_headers events with the response headers of a
// HEAD request against Location. Event arguments are ignored.
type FetchHandler struct {
	Fetcher  *headers.Fetcher
	Location string
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Handle fetches and parses the headers, then invokes the callback once.
// When the request fails the callback is not invoked.
func (h *FetchHandler) Handle(ctx context.Context, e Event) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	begin := time.Now()
	m, err := h.Fetcher.Fetch(ctx, h.Location)
	if err != nil {
		h.Metrics.fetch(resultError, time.Since(begin).Seconds())
		logger.Warn("fetch headers failed",
			zap.String("id", e.ID),
			zap.String("location", h.Location),
			zap.Error(err))
		return
	}
	h.Metrics.fetch(resultOK, time.Since(begin).Seconds())
	logger.Debug("fetched headers",
		zap.String("id", e.ID),
		zap.Int("count", len(m)),
		zap.Duration("elapsed", time.Since(begin)))

	if e.Callback != nil {
		e.Callback(m)
	}
}

// Register adds a FetchHandler for location to d.
func Register(d *Dispatcher, f *headers.Fetcher, location string) *FetchHandler {
	h := &FetchHandler{
		Fetcher:  f,
		Location: location,
		Logger:   d.logger,
		Metrics:  d.metrics,
	}
	d.Listen(FetchHeaders, h)
	return h
}
