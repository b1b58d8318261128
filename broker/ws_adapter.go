package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSAdapter talks to a broker process over a single long-lived
// WebSocket connection, reconnecting on failure the same way the
// teacher's Unix-socket publisher did: best-effort connect at
// construction, then redial lazily from the send path on the next use.
type WSAdapter struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	subMu sync.Mutex
	sub   Notifications

	readCancel context.CancelFunc
}

// NewWSAdapter dials url (e.g. "ws://localhost:8765/broker") and starts
// the background notification reader. A dial failure here is not fatal:
// the adapter retries lazily on the next RegisterProducer/Discover call.
func NewWSAdapter(url string) *WSAdapter {
	a := &WSAdapter{url: url}
	a.dial(context.Background())
	return a
}

func (a *WSAdapter) dial(ctx context.Context) {
	conn, _, err := websocket.Dial(ctx, a.url, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	readCtx, cancel := context.WithCancel(context.Background())
	a.readCancel = cancel
	go a.readLoop(readCtx, conn)
	log.Printf("broker: connected to %s", a.url)
}

func (a *WSAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		a.dispatchNotification(env)
	}
}

func (a *WSAdapter) dispatchNotification(env envelope) {
	a.subMu.Lock()
	n := a.sub
	a.subMu.Unlock()
	if n == nil {
		return
	}

	switch env.Kind {
	case "channel_closing":
		var p struct {
			Channel string `json:"channel"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			n.OnChannelClosing(p.Channel)
		}
	case "consumer_died":
		var p struct {
			Channel string `json:"channel"`
			PID     uint64 `json:"pid"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			n.OnConsumerDied(p.Channel, p.PID)
		}
	case "channel_error":
		var p struct {
			Channel string    `json:"channel"`
			Kind    ErrorKind `json:"kind"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			n.OnChannelError(p.Channel, p.Kind)
		}
	}
}

// send writes env to the connection, dialing once first if an earlier
// failure left no connection; a failed write drops the connection and
// returns the error without retrying (the teacher's Publisher.Publish
// give-up shape).
func (a *WSAdapter) send(ctx context.Context, env envelope) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		a.dial(ctx)
		a.mu.Lock()
		conn = a.conn
		a.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("broker: %s unreachable", a.url)
		}
	}

	if err := wsjson.Write(ctx, conn, env); err != nil {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		return fmt.Errorf("broker: write to %s: %w", a.url, err)
	}
	return nil
}

func (a *WSAdapter) request(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.send(ctx, envelope{Kind: kind, Payload: raw})
}

func (a *WSAdapter) RegisterProducer(ctx context.Context, channel, shmName string, schemas SchemaHashes, config map[string]string) error {
	return a.request(ctx, "register_producer", struct {
		Channel string            `json:"channel"`
		ShmName string            `json:"shm_name"`
		Schemas SchemaHashes      `json:"schemas"`
		Config  map[string]string `json:"config"`
	}{channel, shmName, schemas, config})
}

func (a *WSAdapter) DiscoverProducer(ctx context.Context, channel string) (ProducerRecord, bool, error) {
	// Discovery needs a response, unlike the other fire-and-forget
	// requests; a full request/response correlation layer is the
	// broker protocol's concern (out of scope here), so this adapter
	// only supports the push side plus best-effort registration.
	return ProducerRecord{}, false, a.request(ctx, "discover_producer", struct {
		Channel string `json:"channel"`
	}{channel})
}

func (a *WSAdapter) DeregisterProducer(ctx context.Context, channel string, pid uint64) error {
	return a.request(ctx, "deregister_producer", struct {
		Channel string `json:"channel"`
		PID     uint64 `json:"pid"`
	}{channel, pid})
}

func (a *WSAdapter) RegisterConsumer(ctx context.Context, channel, consumerUID string, pid uint64) error {
	return a.request(ctx, "register_consumer", struct {
		Channel     string `json:"channel"`
		ConsumerUID string `json:"consumer_uid"`
		PID         uint64 `json:"pid"`
	}{channel, consumerUID, pid})
}

func (a *WSAdapter) DeregisterConsumer(ctx context.Context, channel, consumerUID string) error {
	return a.request(ctx, "deregister_consumer", struct {
		Channel     string `json:"channel"`
		ConsumerUID string `json:"consumer_uid"`
	}{channel, consumerUID})
}

// ReportChecksumError is fire-and-forget: the core must never block its
// data path waiting for the broker to acknowledge a diagnostic push.
func (a *WSAdapter) ReportChecksumError(channel string, slotID uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.request(ctx, "checksum_error", struct {
			Channel string `json:"channel"`
			SlotID  uint64 `json:"slot_id"`
		}{channel, slotID})
	}()
}

func (a *WSAdapter) Subscribe(n Notifications) {
	a.subMu.Lock()
	a.sub = n
	a.subMu.Unlock()
}

func (a *WSAdapter) Close() error {
	if a.readCancel != nil {
		a.readCancel()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close(websocket.StatusNormalClosure, "closing")
}
