// Package bridge exposes an event.Dispatcher over HTTP and websockets so a
// host page or tool can call functions and receive their callbacks.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/missdeer/hdrfetch/event"
	"github.com/missdeer/hdrfetch/headers"
)

const maxCallBody = 64 * 1024

// Call is an inbound function call.
type Call struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Reply carries a callback result back to a websocket client.
type Reply struct {
	ID     string      `json:"id"`
	Result headers.Map `json:"result"`
}

// Rejection tells a websocket client that a call was not dispatched.
type Rejection struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Options configures a Server.
type Options struct {
	// RateLimit is the allowed requests per second per client IP. Zero
	// disables limiting.
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
	// Gatherer backs /metrics. Nil omits the endpoint.
	Gatherer prometheus.Gatherer
}

// Server routes bridge requests to a dispatcher.
type Server struct {
	dispatcher *event.Dispatcher
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New builds a Server for d.
func New(d *event.Dispatcher, opts Options) *Server {
	s := &Server{
		dispatcher: d,
		opts:       opts,
		logger:     opts.Logger,
		mux:        http.NewServeMux(),
		limiters:   make(map[string]*rate.Limiter),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.mux.HandleFunc("/call", s.limited(s.handleCall))
	s.mux.HandleFunc("/ws", s.limited(s.handleWS))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP logs and serves one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
		zap.String("proto", r.Proto),
		zap.Int("status", rec.status),
		zap.Duration("elapsed", time.Since(begin)))
}

func (s *Server) limiter(key string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		burst := s.opts.RateBurst
		if burst == 0 {
			burst = int(s.opts.RateLimit)
		}
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
		s.limiters[key] = limiter
	}
	return limiter
}

func (s *Server) allow(r *http.Request) bool {
	return s.opts.RateLimit <= 0 || s.limiter(clientIP(r)).Allow()
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.RateLimit <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	var call Call
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallBody)).Decode(&call); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid call: " + err.Error()})
		return
	}

	result := make(chan headers.Map, 1)
	done, ok := s.dispatcher.Dispatch(r.Context(), event.Event{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Args,
		Callback: func(m headers.Map) {
			result <- m
		},
	})
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	select {
	case m := <-result:
		writeJSON(w, http.StatusOK, m)
	case <-done:
		// the callback runs before done closes, so a result may be waiting
		select {
		case m := <-result:
			writeJSON(w, http.StatusOK, m)
		default:
			writeJSON(w, http.StatusBadGateway, errorBody{Error: call.Name + " finished without a result"})
		}
	case <-r.Context().Done():
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("failed to accept websocket", zap.Error(err))
		return
	}
	defer c.CloseNow()

	// in-flight fetches for this connection are canceled when it goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var call Call
		if err := wsjson.Read(ctx, c, &call); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}

		id := call.ID
		// each message counts against the same per-client budget as /call
		if !s.allow(r) {
			if err := wsjson.Write(ctx, c, Rejection{ID: id, Error: "rate limit exceeded"}); err != nil {
				s.logger.Warn("websocket write failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		s.dispatcher.Dispatch(ctx, event.Event{
			ID:   id,
			Name: call.Name,
			Args: call.Args,
			Callback: func(m headers.Map) {
				if err := wsjson.Write(ctx, c, Reply{ID: id, Result: m}); err != nil {
					s.logger.Warn("websocket write failed", zap.String("id", id), zap.Error(err))
				}
			},
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
