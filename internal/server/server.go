package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Listener is one HTTP server the gateway runs.
type Listener struct {
	Name    string
	Addr    string
	Handler http.Handler
	// Grace bounds the shutdown drain; zero means 10s.
	Grace time.Duration
}

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func(ctx context.Context) error

// HealthHandler serves /healthz (liveness) and /readyz (readiness).
func HealthHandler(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// MetricsHandler serves the Prometheus registry on /metrics.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves every listener until ctx is cancelled or one fails, then
// shuts them all down.
func Run(ctx context.Context, listeners []Listener, log zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		if l.Addr == "" || l.Handler == nil {
			continue
		}
		g.Go(func() error {
			return serve(gctx, l, log)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serve(ctx context.Context, l Listener, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              l.Addr,
		Handler:           l.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		grace := l.Grace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("server", l.Name).Str("addr", l.Addr).Msg("server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", l.Name, err)
	}
	return nil
}
