package bus

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Conn serves one embedding-host connection over a websocket: every Hub
// event reaches it in publish order (Serve's write loop reads off the
// per-connection subscription channel), and every inbound frame is
// decoded as a Command and dispatched.
type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	log *logrus.Entry
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(ws *websocket.Conn, hub *Hub, log *logrus.Entry) *Conn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "bus")
	}
	return &Conn{ws: ws, hub: hub, log: log}
}

// Serve subscribes to the Hub and runs both the read loop (inbound
// Commands) and the write loop (outbound Events) until ctx is cancelled
// or the connection errors. It blocks until both loops exit.
func (c *Conn) Serve(ctx context.Context) error {
	subID, events := c.hub.Subscribe()
	defer c.hub.Unsubscribe(subID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writeLoop(ctx, events) }()
	go func() { errCh <- c.readLoop(ctx) }()

	err := <-errCh
	cancel()
	<-errCh
	return trace.Wrap(err)
}

func (c *Conn) writeLoop(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(event); err != nil {
				return trace.Wrap(err)
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.WithError(err).Warn("dropping malformed inbound frame")
			continue
		}

		result := c.hub.Dispatch(ctx, cmd)
		if err := c.ws.WriteJSON(result); err != nil {
			return trace.Wrap(err)
		}
	}
}
