package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/health"
	"github.com/prometheus/client_golang/prometheus"
)

// NewMux routes /metrics to the gatherer and /healthz, /livez to checker.
// A nil checker only reports liveness.
func NewMux(g prometheus.Gatherer, checker *health.Checker) *http.ServeMux {
	if checker == nil {
		checker = health.NewChecker()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/healthz", checker.ReadyHandler())
	mux.HandleFunc("/livez", checker.LiveHandler())
	return mux
}

func StartServer(port int, g prometheus.Gatherer, checker *health.Checker) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMux(g, checker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}
