// Package relay implements the per-URL duplex relay transport of spec
// §2 and §6 (subscribe/publish over EVENT/EOSE/CLOSED frames) plus the
// Relay Supervisor of spec §4.1 that owns one reconnecting subscription
// loop per relay URL. The transport is grounded on the teacher's
// gorilla/websocket usage in internal/ws/handler.go (a dedicated
// connection object, a read loop decoding JSON frames, a write path
// guarded against concurrent writers) adapted from a server-side Hub to
// a client dialing out to N relay URLs.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
)

// FrameType discriminates the three subscription frame kinds the wire
// protocol carries (spec §6).
type FrameType string

const (
	FrameEvent  FrameType = "EVENT"
	FrameEOSE   FrameType = "EOSE"
	FrameClosed FrameType = "CLOSED"
)

// Frame is one decoded subscription message.
type Frame struct {
	Type    FrameType
	SubID   string
	Event   *events.Event
	Message string // populated for CLOSED
}

// Filter is a relay subscription filter (spec §4.1: "kind ∈ K_watched,
// addressed-to-me, since = startup_time").
type Filter struct {
	Kinds []events.Kind `json:"kinds,omitempty"`
	PTags []string      `json:"#p,omitempty"`
	Since int64         `json:"since,omitempty"`
}

// Client is the per-URL duplex channel spec §2 describes.
type Client interface {
	URL() string
	Subscribe(ctx context.Context, filters []Filter) (<-chan Frame, error)
	Publish(ctx context.Context, e *events.Event) error
	Close() error
}

// WSClient is a Client backed by a single gorilla/websocket connection.
type WSClient struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex
	subID   string
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.RelayConnect, "dial "+url, err)
	}
	return &WSClient{url: url, conn: conn, subID: "zapai-sub"}, nil
}

func (c *WSClient) URL() string { return c.url }

// Subscribe sends a REQ frame and returns a channel of decoded Frames.
// The channel is closed when the underlying connection errors out or
// ctx is cancelled; callers treat either as "enter reconnect logic"
// (spec §4.1 step 4).
func (c *WSClient) Subscribe(ctx context.Context, filters []Filter) (<-chan Frame, error) {
	req := []any{"REQ", c.subID}
	for _, f := range filters {
		req = append(req, f)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.RelayTransient, "encode REQ", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.RelayTransient, "send REQ", err)
	}

	out := make(chan Frame, 64)
	go c.readLoop(ctx, out)
	return out, nil
}

func (c *WSClient) readLoop(ctx context.Context, out chan<- Frame) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, ok := decodeFrame(raw)
		if !ok {
			continue
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func decodeFrame(raw []byte) (Frame, bool) {
	var generic []json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil || len(generic) < 2 {
		return Frame{}, false
	}
	var kind string
	if err := json.Unmarshal(generic[0], &kind); err != nil {
		return Frame{}, false
	}

	switch FrameType(kind) {
	case FrameEvent:
		if len(generic) < 3 {
			return Frame{}, false
		}
		var subID string
		_ = json.Unmarshal(generic[1], &subID)
		var e events.Event
		if err := json.Unmarshal(generic[2], &e); err != nil {
			return Frame{}, false
		}
		return Frame{Type: FrameEvent, SubID: subID, Event: &e}, true
	case FrameEOSE:
		var subID string
		_ = json.Unmarshal(generic[1], &subID)
		return Frame{Type: FrameEOSE, SubID: subID}, true
	case FrameClosed:
		var subID, msg string
		_ = json.Unmarshal(generic[1], &subID)
		if len(generic) > 2 {
			_ = json.Unmarshal(generic[2], &msg)
		}
		return Frame{Type: FrameClosed, SubID: subID, Message: msg}, true
	default:
		return Frame{}, false
	}
}

// Publish sends a signed event over the connection, returning an error
// if the write itself fails. Relay-level acceptance (OK/rejected) is
// not distinguished here; spec §4.7 step 10 treats "at least one relay
// accepts" the write as success across N parallel publishes.
func (c *WSClient) Publish(_ context.Context, e *events.Event) error {
	payload, err := json.Marshal([]any{"EVENT", e})
	if err != nil {
		return apperrors.Wrap(apperrors.PublishFailed, "encode event", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return apperrors.Wrap(apperrors.PublishFailed, fmt.Sprintf("publish to %s", c.url), err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}

var _ Client = (*WSClient)(nil)
