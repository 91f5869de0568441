package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether the agent currently holds a live control channel.
type ReadyFunc func() bool

// ServeMetrics exposes /metrics and /healthz on addr until ctx is canceled.
// /healthz answers 200 while ready returns true and 503 otherwise; a nil ready
// always answers 200.
func ServeMetrics(ctx context.Context, addr string, ready ReadyFunc, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveMetrics(ctx, ln, ready, logger)
}

func serveMetrics(ctx context.Context, ln net.Listener, ready ReadyFunc, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           metricsHandler(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func metricsHandler(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
