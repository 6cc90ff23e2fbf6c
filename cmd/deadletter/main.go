package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mickamy/txbus/deadletter"
	"github.com/mickamy/txbus/internal/broker"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/events"
)

const usage = `usage: deadletter [flags] <list|stats|replay|unlock|cleanup>

  list     print dead letters of the queue
  stats    print counts per queue and reason
  replay   re-send pending dead letters to their queue
  unlock   resume a faulted session (-session required)
  cleanup  delete dead letters older than -older-than
`

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	session := flag.String("session", "", "limit to this session")
	reason := flag.String("reason", "", "limit to this dead-letter reason")
	limit := flag.Int("limit", 100, "maximum messages to list or replay")
	olderThan := flag.Duration("older-than", 30*24*time.Hour, "cleanup age")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.NewRedis(ctx, cfg.Broker)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer func() { _ = client.Close() }()

	codec, err := events.NewCodec(cfg.Format)
	if err != nil {
		log.Fatalf("init codec: %v", err)
	}
	sender, closeSender, err := broker.NewSender(ctx, cfg, codec)
	if err != nil {
		log.Fatalf("init sender: %v", err)
	}
	defer func() { _ = closeSender() }()

	manager := deadletter.NewManager(deadletter.NewRedisStore(client), codec, sender).WithLogger(logger)
	filter := deadletter.Filter{
		Queue:     cfg.Queue,
		SessionID: *session,
		Reason:    *reason,
		Limit:     *limit,
	}

	switch flag.Arg(0) {
	case "list":
		dls, err := manager.Store().List(ctx, filter)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		for _, dl := range dls {
			replayed := "-"
			if dl.ReplayedAt != nil {
				replayed = dl.ReplayedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				dl.ID, dl.CreatedAt.Format(time.RFC3339), dl.SessionID, dl.TypeTag, dl.Reason, dl.DeliveryCount, replayed, dl.Description)
		}
	case "stats":
		st, err := manager.Stats(ctx)
		if err != nil {
			log.Fatalf("stats: %v", err)
		}
		fmt.Printf("total=%d pending=%d replayed=%d\n", st.Total, st.Pending, st.Replayed)
		for q, n := range st.ByQueue {
			fmt.Printf("queue %s: %d\n", q, n)
		}
		for r, n := range st.ByReason {
			fmt.Printf("reason %s: %d\n", r, n)
		}
	case "replay":
		filter.ExcludeReplayed = true
		n, err := manager.Replay(ctx, filter)
		if err != nil {
			log.Fatalf("replay: %v", err)
		}
		fmt.Printf("replayed %d\n", n)
	case "unlock":
		if err := manager.Unlock(ctx, cfg.Queue, *session); err != nil {
			log.Fatalf("unlock: %v", err)
		}
	case "cleanup":
		n, err := manager.Cleanup(ctx, *olderThan)
		if err != nil {
			log.Fatalf("cleanup: %v", err)
		}
		fmt.Printf("deleted %d\n", n)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
