package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that
// cannot keep up loses events and recovers via catch-up on reconnect.
const subscriberBuffer = 64

// Listener holds one dedicated LISTEN connection and fans notifications
// out to in-process subscribers keyed by subscription channel.
type Listener struct {
	dsn    string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan *Event]struct{}
}

// NewListener creates a listener. Run must be started for events to flow.
func NewListener(dsn string, logger *slog.Logger) *Listener {
	return &Listener{
		dsn:    dsn,
		logger: logger,
		subs:   make(map[string]map[chan *Event]struct{}),
	}
}

// Run connects, listens, and dispatches until the context is cancelled.
// Connection failures reconnect with backoff.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.NextBackOff()
		l.logger.Warn("notify listener disconnected, reconnecting",
			"error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return err
	}
	l.logger.Info("notify listener connected", "channel", notifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
			l.logger.Warn("dropping malformed notification", "error", err)
			continue
		}
		l.dispatch(&evt)
	}
}

// Subscribe registers for one request's events. The returned cancel must
// be called; it closes the channel.
func (l *Listener) Subscribe(requestID string) (<-chan *Event, func()) {
	channel := SubscriptionChannel(requestID)
	ch := make(chan *Event, subscriberBuffer)

	l.mu.Lock()
	set, ok := l.subs[channel]
	if !ok {
		set = make(map[chan *Event]struct{})
		l.subs[channel] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[channel], ch)
			if len(l.subs[channel]) == 0 {
				delete(l.subs, channel)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (l *Listener) dispatch(evt *Event) {
	channel := SubscriptionChannel(evt.RequestID)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- evt:
		default:
			l.logger.Warn("dropping event for slow subscriber",
				"request_id", evt.RequestID, "event_id", evt.ID)
		}
	}
}
