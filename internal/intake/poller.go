package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 20 * time.Second

// Submitter accepts raw notifications for processing and calls done once a
// notification has been reconciled.
type Submitter interface {
	SubmitWithAck(ctx context.Context, raw string, done func(ctx context.Context)) error
}

// Poller moves notifications from a Source into the queue. A message is
// acked only after it has been reconciled; until then it stays in the source
// and is skipped by later polls.
type Poller struct {
	source   Source
	queue    Submitter
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	// acked ids stay claimed until the next Poll, whose Fetch can no longer
	// see the moved file.
	acked []string
}

func NewPoller(src Source, q Submitter, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		source:   src,
		queue:    q,
		interval: interval,
		logger:   logger.Named("poller"),
		inFlight: make(map[string]struct{}),
	}
}

// Run polls once immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll submits every fetched message that is not already queued. When the
// queue is full or closed the rest stay in the source for the next round.
func (p *Poller) Poll(ctx context.Context) int {
	p.mu.Lock()
	for _, id := range p.acked {
		delete(p.inFlight, id)
	}
	p.acked = nil
	p.mu.Unlock()

	msgs, err := p.source.Fetch(ctx)
	if err != nil {
		p.logger.Error("Failed to fetch notifications", zap.Error(err))
		return 0
	}

	submitted := 0
	for i, m := range msgs {
		if !p.claim(m.ID) {
			continue
		}
		if err := p.queue.SubmitWithAck(ctx, m.Body, p.acker(m)); err != nil {
			p.release(m.ID)
			if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
				p.logger.Warn("Deferring remaining notifications", zap.Int("remaining", len(msgs)-i), zap.Error(err))
			}
			return submitted
		}
		submitted++
		p.logger.Info("New notification", zap.String("id", m.ID), zap.String("from", m.From))
	}
	return submitted
}

func (p *Poller) acker(m Message) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer p.settle(m.ID)
		if err := p.source.Ack(ctx, m); err != nil {
			// Left in place, the message is reconciled again next round;
			// duplicate delivery of a payment code is a no-op downstream.
			p.logger.Error("Failed to ack notification", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

func (p *Poller) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Poller) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Poller) settle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked = append(p.acked, id)
}
