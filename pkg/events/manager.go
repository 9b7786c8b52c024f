package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/scholarlab/paperflow/pkg/store"
)

// clientMessage is what WebSocket clients send. Only subscribe is
// understood; anything else is ignored.
type clientMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

// Manager serves the WebSocket endpoint: live fan-out from the listener
// plus catch-up from progress_events for clients that reconnect.
type Manager struct {
	listener *Listener
	db       *sqlx.DB
	logger   *slog.Logger
}

// NewManager creates the WebSocket manager.
func NewManager(listener *Listener, client *store.Client, logger *slog.Logger) *Manager {
	return &Manager{listener: listener, db: client.DB(), logger: logger}
}

// Handle upgrades the connection and serves it until the client leaves.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	err = m.serve(r.Context(), conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// client closed; nothing to do
	default:
		m.logger.Warn("websocket session ended", "error", err)
	}
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan *Event, subscriberBuffer)

	// Single writer: every subscription funnels through out.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt := <-out:
				if err := wsjson.Write(ctx, conn, evt); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			var msg clientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return err
			}
			if msg.Type != "subscribe" || msg.RequestID == "" {
				continue
			}
			if err := m.subscribe(ctx, g, msg, out); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

// subscribe attaches live fan-out first, then replays the backlog, so no
// event falls between catch-up and the live stream. Live events already
// covered by catch-up are filtered by id.
func (m *Manager) subscribe(ctx context.Context, g *errgroup.Group, msg clientMessage, out chan<- *Event) error {
	live, cancel := m.listener.Subscribe(msg.RequestID)

	backlog, err := m.catchUp(ctx, msg.RequestID, msg.LastEventID)
	if err != nil {
		cancel()
		return err
	}
	lastSent := msg.LastEventID
	for _, evt := range backlog {
		if err := push(ctx, out, evt); err != nil {
			cancel()
			return err
		}
		lastSent = evt.ID
	}

	caughtUpTo := lastSent
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-live:
				if !ok {
					return nil
				}
				if evt.ID <= caughtUpTo {
					continue
				}
				if err := push(ctx, out, evt); err != nil {
					return err
				}
			}
		}
	})
	return nil
}

func (m *Manager) catchUp(ctx context.Context, requestID string, afterID int64) ([]*Event, error) {
	var rows []struct {
		ID      int64           `db:"id"`
		Payload json.RawMessage `db:"payload"`
	}
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, payload FROM progress_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC`,
		SubscriptionChannel(requestID), afterID)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		var evt Event
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			m.logger.Warn("skipping malformed stored event", "event_id", row.ID, "error", err)
			continue
		}
		evt.ID = row.ID
		events = append(events, &evt)
	}
	return events, nil
}

func push(ctx context.Context, out chan<- *Event, evt *Event) error {
	select {
	case out <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
