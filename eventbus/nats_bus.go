package eventbus

import (
	"context"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// NATSBus carries work units to navigator workers and their results back,
// over NATS core subjects.
type NATSBus struct {
	nc            *nats.Conn
	source        string
	workSubject   string
	resultSubject string
	queue         string
}

type NATSConfig struct {
	URL           string
	Source        string
	WorkSubject   string
	ResultSubject string
	// Queue is the queue group workers join, so each unit is handled once.
	Queue string
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("portal-navigator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	b := &NATSBus{
		nc:            nc,
		source:        cfg.Source,
		workSubject:   cfg.WorkSubject,
		resultSubject: cfg.ResultSubject,
		queue:         cfg.Queue,
	}
	if b.source == "" {
		b.source = "portal-navigator"
	}
	if b.workSubject == "" {
		b.workSubject = "portalnav.work"
	}
	if b.resultSubject == "" {
		b.resultSubject = "portalnav.results"
	}
	if b.queue == "" {
		b.queue = "portalnav-workers"
	}
	return b, nil
}

// PublishWork submits a unit of work.
func (b *NATSBus) PublishWork(ctx context.Context, w nav.WorkUnit) error {
	return b.publish(b.workSubject, NewWorkEvent(b.source, w))
}

// PublishResult reports a finished session.
func (b *NATSBus) PublishResult(ctx context.Context, r *nav.SessionResult) error {
	return b.publish(b.resultSubject, NewResultEvent(b.source, r))
}

func (b *NATSBus) publish(subject string, evt CanonicalEvent) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// SubscribeWork delivers work units to handler. Subscribers share a queue
// group, so each unit reaches one of them. The subscription drains when ctx
// is done.
func (b *NATSBus) SubscribeWork(ctx context.Context, handler func(nav.WorkUnit)) (*nats.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(b.workSubject, b.queue, func(msg *nats.Msg) {
		evt, err := decodeEvent(msg.Data)
		if err != nil || evt.Type != TypeWorkSubmitted {
			log.Printf("⚠️ [EVENTBUS] Dropping message on %s: %v", msg.Subject, err)
			return
		}
		handler(*evt.Work)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

// SubscribeResults delivers every session result to handler.
func (b *NATSBus) SubscribeResults(ctx context.Context, handler func(*nav.SessionResult)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.resultSubject, func(msg *nats.Msg) {
		evt, err := decodeEvent(msg.Data)
		if err != nil || evt.Type != TypeSessionFinished {
			return
		}
		handler(evt.Result)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
