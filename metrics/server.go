package metrics

import (
	"errors"
	"expvar"
	"log/slog"
	"net/http"
)

// Handler serves the expvar counters published by StatsHook.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// StartServer serves Handler on addr in the background. An empty addr
// disables it.
func StartServer(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		logger.Info("metrics available", "addr", addr, "path", "/debug/vars")
		if err := http.ListenAndServe(addr, Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}
