package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/missdeer/hdrfetch/bridge"
	"github.com/missdeer/hdrfetch/event"
	"github.com/missdeer/hdrfetch/headers"
)

var englishPrinter = message.NewPrinter(language.English)

func printExamples(w io.Writer) {
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "\thdrfetch https://chat.example.com/")
	fmt.Fprintln(w, "\thdrfetch -p quic -u https://chat.example.com/")
	fmt.Fprintln(w, "\thdrfetch -s X-Amzn-Oidc-Identity,X-Amzn-Oidc-Data https://chat.example.com/")
	fmt.Fprintln(w, "\thdrfetch -m serve -l :8080 -u https://chat.example.com/")
	fmt.Fprintln(w, "\thdrfetch -m serve -p quic -l :8443 -t fullchain.cer -k example.com.key -u https://chat.example.com/")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// fetchHandler dispatches one fetch_headers event per target and writes each
// callback result as a JSON line to out.
func fetchHandler(ctx context.Context, cfg *Config, logger *zap.Logger, out io.Writer) error {
	tsBegin := time.Now()
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	delivered := 0
	total := 0

	var dispatchers []*event.Dispatcher
	for _, location := range cfg.Targets() {
		location := location
		d := newDispatcher(cfg, location, logger, nil)
		dispatchers = append(dispatchers, d)
		d.Dispatch(ctx, event.Event{
			Name: event.FetchHeaders,
			Callback: func(m headers.Map) {
				mu.Lock()
				defer mu.Unlock()
				delivered++
				if len(cfg.Select) > 0 {
					m = selectHeaders(m, cfg.Select)
				}
				total += len(m)
				if err := enc.Encode(struct {
					Location string      `json:"location"`
					Headers  headers.Map `json:"headers"`
				}{location, m}); err != nil {
					logger.Error("write result", zap.Error(err))
				}
			},
		})
	}
	for _, d := range dispatchers {
		d.Wait()
	}

	englishPrinter.Fprintf(os.Stderr, "%d headers from %d/%d locations in %+v\n", total, delivered, len(dispatchers), time.Since(tsBegin))
	if delivered < len(dispatchers) {
		return fmt.Errorf("%d of %d locations returned no headers", len(dispatchers)-delivered, len(dispatchers))
	}
	return nil
}

func selectHeaders(m headers.Map, names []string) headers.Map {
	selected := make(headers.Map, len(names))
	for _, name := range names {
		if v, ok := m.Get(name); ok {
			selected[strings.ToLower(strings.TrimSpace(name))] = v
		}
	}
	return selected
}

func serveHandler(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := event.NewMetrics(reg)
	if err != nil {
		return err
	}

	d := newDispatcher(cfg, cfg.Location, logger, metrics)
	srv := bridge.New(d, bridge.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    logger,
		Gatherer:  reg,
	})

	logger.Info("starting bridge server, please don't close it if you are not sure what it is doing",
		zap.String("listen", cfg.Listen),
		zap.String("location", cfg.Location),
		zap.String("protocol", cfg.Protocol),
		zap.Bool("tls", cfg.TLS()))
	err = listenAndServe(ctx, cfg.Listen, cfg.CertFile, cfg.KeyFile, cfg.IsHTTP3(), srv, logger)
	d.Wait()
	return err
}

func run(args []string) int {
	cfg, fs, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.Help {
		printExamples(os.Stdout)
		fmt.Printf("\n")
		fs.SetOutput(os.Stdout)
		fs.PrintDefaults()
		return 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// a second signal kills the process while shutdown is in progress
		<-ctx.Done()
		stop()
	}()

	switch cfg.Mode {
	case "fetch":
		err = fetchHandler(ctx, cfg, logger, os.Stdout)
	case "serve":
		err = serveHandler(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("hdrfetch failed", zap.String("mode", cfg.Mode), zap.Error(err))
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
