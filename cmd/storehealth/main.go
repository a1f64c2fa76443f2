package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/bootstrap"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Printf("ERROR: %v", err)
		return 2
	}
	logger := common.NewLogger(os.Stderr, common.LogConfig{Level: "warn"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Printf("connect: FAIL (%v)", err)
		return 1
	}
	defer app.Close()

	failed := false
	for name, c := range app.HealthChecks() {
		start := time.Now()
		if err := c.Ping(ctx); err != nil {
			log.Printf("%s health: FAIL (%v)", name, err)
			failed = true
			continue
		}
		log.Printf("%s health: OK (%s)", name, time.Since(start).Round(time.Millisecond))
	}
	log.Printf("queue: OK (%s)", cfg.Queue.Driver)

	fmt.Printf("docstore=%s objectstore=%s queue=%s\n", cfg.DocStore.Driver, cfg.ObjectStore.Driver, cfg.Queue.Driver)
	if failed {
		return 1
	}
	return 0
}
