package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"portalnav/eventbus"
	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// workBus is the side of the event bus a submitting client uses.
type workBus interface {
	PublishWork(ctx context.Context, w nav.WorkUnit) error
	SubscribeResults(ctx context.Context, handler func(*nav.SessionResult)) (*nats.Subscription, error)
}

// readWorkUnit loads a work unit from a JSON file. An empty path yields an
// empty unit.
func readWorkUnit(path string) (nav.WorkUnit, error) {
	var work nav.WorkUnit
	if path == "" {
		return work, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return work, fmt.Errorf("reading work unit: %w", err)
	}
	if err := json.Unmarshal(data, &work); err != nil {
		return work, fmt.Errorf("parsing work unit: %w", err)
	}
	return work, nil
}

// submitWork publishes work to the workers. With a positive wait it blocks
// until a worker reports the session for that work unit.
func submitWork(ctx context.Context, bus workBus, work nav.WorkUnit, wait time.Duration) (*nav.SessionResult, error) {
	if wait <= 0 {
		if err := bus.PublishWork(ctx, work); err != nil {
			return nil, fmt.Errorf("publish work: %w", err)
		}
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	results := make(chan *nav.SessionResult, 1)
	if _, err := bus.SubscribeResults(ctx, func(r *nav.SessionResult) {
		if r == nil || r.WorkID != work.ID {
			return
		}
		select {
		case results <- r:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("subscribe results: %w", err)
	}
	if err := bus.PublishWork(ctx, work); err != nil {
		return nil, fmt.Errorf("publish work: %w", err)
	}

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no result for work %s: %w", work.ID, ctx.Err())
	}
}

// runSubmit hands one work unit to the workers over NATS and returns the
// exit code.
func runSubmit(cfg Config, workPath string, wait time.Duration) int {
	work, err := readWorkUnit(workPath)
	if err != nil {
		log.Printf("❌ %v", err)
		return 2
	}
	if work.ID == "" {
		work.ID = "submit-" + uuid.New().String()
	}

	bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{
		URL:           cfg.NatsURL,
		Source:        "portal-navigator-cli",
		WorkSubject:   cfg.WorkSubject,
		ResultSubject: cfg.ResultSubject,
		Queue:         cfg.WorkerQueue,
	})
	if err != nil {
		log.Printf("❌ Connecting to NATS: %v", err)
		return 2
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := submitWork(ctx, bus, work, wait)
	if err != nil {
		log.Printf("❌ %v", err)
		return 1
	}
	if result == nil {
		log.Printf("📤 Submitted work %s on %s", work.ID, cfg.WorkSubject)
		return 0
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !result.Succeeded() {
		return 1
	}
	return 0
}
