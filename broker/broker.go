// Package broker defines the thin interface the shared-memory core
// needs from an external control plane (spec.md §4.9) and two
// implementations: a no-op adapter for standalone use, and a WebSocket
// adapter for a real broker process. The core never blocks on the
// broker in the data path — every Adapter method either returns fast or
// is explicitly documented as fire-and-forget.
package broker

import (
	"context"
	"encoding/json"
)

// SchemaHashes identifies the wire shape a producer or consumer expects
// (spec §3's flex-zone/slot schema hashes), passed through to the
// broker opaquely.
type SchemaHashes struct {
	FlexZoneSchemaHash uint64 `json:"flex_zone_schema_hash"`
	SlotSchemaHash     uint64 `json:"slot_schema_hash"`
}

// ProducerRecord is what discovery returns for a registered channel.
type ProducerRecord struct {
	ShmName  string            `json:"shm_name"`
	Schemas  SchemaHashes      `json:"schemas"`
	Metadata map[string]string `json:"metadata"`
}

// ErrorKind enumerates the channel_error notification's cause.
type ErrorKind string

const (
	ErrorUnknown        ErrorKind = "unknown"
	ErrorSchemaMismatch ErrorKind = "schema_mismatch"
	ErrorSegmentGone    ErrorKind = "segment_gone"
)

// Notifications is the set of broker-pushed events a caller can
// subscribe to. Each method is called from the adapter's own internal
// goroutine; implementations must not block.
type Notifications interface {
	OnChannelClosing(channel string)
	OnConsumerDied(channel string, pid uint64)
	OnChannelError(channel string, kind ErrorKind)
}

// Adapter is the interface the core consumes (spec §4.9). Wire format
// and transport are entirely the adapter's concern.
type Adapter interface {
	RegisterProducer(ctx context.Context, channel, shmName string, schemas SchemaHashes, config map[string]string) error
	DiscoverProducer(ctx context.Context, channel string) (ProducerRecord, bool, error)
	DeregisterProducer(ctx context.Context, channel string, pid uint64) error

	RegisterConsumer(ctx context.Context, channel, consumerUID string, pid uint64) error
	DeregisterConsumer(ctx context.Context, channel, consumerUID string) error

	// ReportChecksumError is the core's one-shot push to the broker when
	// a consumer's release-time checksum validation fails.
	ReportChecksumError(channel string, slotID uint64)

	// Subscribe registers n for broker-pushed notifications on this
	// adapter. Implementations are expected to support at most one
	// active subscriber; Subscribe on an already-subscribed adapter
	// replaces the previous subscriber.
	Subscribe(n Notifications)

	Close() error
}

// envelope is the wire message shape shared by every broker operation;
// Kind distinguishes request/response/notification types, mirroring the
// REG/DISC/DEREG/HEARTBEAT/CONSUMER_* vocabulary the broker protocol
// itself uses (out of scope here; only this envelope crosses into our
// code).
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
