package main

import (
	"flag"
	"io"
	"log"
	"net/http"

	"github.com/mickamy/txbus/broker/webhook"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/events"
)

// webhook is a sample receiver for the webhook broker. It decodes each batch
// and logs the messages.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.Logger()
	codec, err := events.NewCodec(cfg.Format)
	if err != nil {
		log.Fatalf("init codec: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		defer func(Body io.ReadCloser) { _ = Body.Close() }(r.Body)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		envs, err := codec.UnmarshalBatch(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, env := range envs {
			msg, err := codec.Open(env)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			logger.InfoContext(r.Context(), "webhook received",
				"queue", r.Header.Get(webhook.HeaderQueue),
				"session_id", env.SessionID,
				"message_id", env.MessageID,
				"message", msg,
			)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	logger.Info("webhook listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("webhook server failed: %v", err)
	}
}
