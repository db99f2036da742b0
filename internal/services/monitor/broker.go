package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	sendDeadline = time.Second
	maxMisses    = 3
)

// Subscriber receives serialized monitor snapshots. Out delivers frames and
// is closed only by the broker (eviction or shutdown); Unsubscribe signals
// through done so a blocked send never races a channel close.
type Subscriber struct {
	Out    chan []byte
	done   chan struct{}
	misses int
}

// PushBroker fans monitor snapshots out to subscribers every
// SnapshotInterval (2 s by default). Sends are non-blocking with a short
// deadline; a subscriber that misses three consecutive frames is evicted.
// Slow consumers fall back to polling the HTTP endpoints.
type PushBroker struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}

	monitor  *Monitor
	interval time.Duration
	// onDemand throttles forced pushes so a burst of triggers collapses
	onDemand *rate.Limiter
	logger   arbor.ILogger
}

func NewPushBroker(monitor *Monitor, logger arbor.ILogger) *PushBroker {
	interval := monitor.config.SnapshotInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PushBroker{
		subscribers: make(map[*Subscriber]struct{}),
		monitor:     monitor,
		interval:    interval,
		onDemand:    rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		logger:      logger,
	}
}

// Subscribe registers a new observer and returns its handle
func (b *PushBroker) Subscribe() *Subscriber {
	sub := &Subscriber{
		Out:  make(chan []byte, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug().Int("subscribers", count).Msg("Monitor observer subscribed")
	return sub
}

// Unsubscribe detaches an observer. Out stays open: a send in flight may
// still hold a reference, and closing it here would panic that send. The
// done signal unblocks any such send immediately.
func (b *PushBroker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		close(sub.done)
		b.logger.Debug().Int("subscribers", count).Msg("Monitor observer unsubscribed")
	}
}

// Run broadcasts snapshots until ctx is cancelled, then closes all
// subscriber channels
func (b *PushBroker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Debug().Dur("interval", b.interval).Msg("Push broker started")

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			b.logger.Debug().Msg("Push broker stopped")
			return
		case <-ticker.C:
			b.broadcast()
		}
	}
}

// Notify pushes a snapshot outside the regular cadence, collapsed when
// triggers arrive faster than the throttle allows
func (b *PushBroker) Notify() {
	if b.onDemand.Allow() {
		b.broadcast()
	}
}

func (b *PushBroker) broadcast() {
	snapshot := b.monitor.BuildSnapshot()
	data, err := json.Marshal(snapshot)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to serialize monitor snapshot")
		return
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.send(sub, data)
	}
}

// send attempts delivery within the deadline and evicts the subscriber
// after maxMisses consecutive failures. Out is closed only here and in
// closeAll, and only while the subscriber is still registered, so the close
// happens exactly once.
func (b *PushBroker) send(sub *Subscriber, data []byte) {
	timer := time.NewTimer(sendDeadline)
	defer timer.Stop()

	select {
	case sub.Out <- data:
		b.mu.Lock()
		sub.misses = 0
		b.mu.Unlock()
	case <-sub.done:
		// Observer unsubscribed mid-send
	case <-timer.C:
		b.mu.Lock()
		sub.misses++
		evict := false
		if sub.misses >= maxMisses {
			if _, ok := b.subscribers[sub]; ok {
				delete(b.subscribers, sub)
				evict = true
			}
		}
		b.mu.Unlock()

		if evict {
			close(sub.Out)
			b.logger.Info().Msg("Evicting unresponsive monitor observer")
		}
	}
}

func (b *PushBroker) closeAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for sub := range subs {
		close(sub.Out)
	}
}
