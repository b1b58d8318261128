// Package hubtx implements the scoped acquire-use-commit/abort facade
// described in spec.md §4.7: heartbeat on enter, typed zero-copy access
// to a slot's payload, auto-commit on normal return, abort on error or
// panic, and release in all cases.
package hubtx

import (
	"time"
	"unsafe"

	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmseg"
)

// TransactionOptions customizes a scoped transaction's liveness and
// error-reporting behavior. The zero value is safe to pass: only the
// entry heartbeat fires, and a checksum mismatch is returned to the
// caller without being reported anywhere else.
type TransactionOptions struct {
	// HeartbeatTicks, when non-nil, is drained for fn's entire run; each
	// tick re-heartbeats the producer segment or consumer session, so a
	// long-running fn never goes stale and gets reclaimed as a zombie
	// mid-transaction (spec §4.7). The channel is typically a channel's
	// dedicated heartbeat ticker from hublifecycle's Hub.TransactionOptions
	// (separate from the hub's own heartbeat and sweep tickers), passed in
	// by the caller rather than created here.
	HeartbeatTicks <-chan time.Time

	// OnChecksumError, if non-nil, is called with the slot id whenever a
	// consumer transaction's release-time checksum validation fails
	// (spec §4.9's checksum_error push). Ignored by
	// WithProducerTransaction. The callback runs synchronously on the
	// transaction's own goroutine and must not block.
	OnChecksumError func(slotID uint64)
}

// startHeartbeatLoop re-fires beat on every tick read from ticks until
// the returned stop func is called. ticks may be nil, in which case stop
// is a no-op and only the transaction's entry heartbeat fires.
func startHeartbeatLoop(ticks <-chan time.Time, beat func()) (stop func()) {
	if ticks == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticks:
				beat()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// ProducerContext is handed to the callback of WithProducerTransaction.
type ProducerContext struct {
	handle *shmseg.WriteHandle
}

// Payload returns the raw slot bytes.
func (c *ProducerContext) Payload() []byte { return c.handle.Payload() }

// ConsumerContext is handed to the callback of WithConsumerTransaction.
type ConsumerContext struct {
	handle *shmseg.ReadHandle
}

// Payload returns the raw slot bytes.
func (c *ConsumerContext) Payload() []byte { return c.handle.Payload() }

// ProducerView reinterprets the slot's payload bytes as *T. T must be
// trivially copyable — plain fixed-size fields only, no pointers, no
// interfaces, no strings/slices/maps — since it is a live view into
// shared memory another process may be reading concurrently. Panics if
// the slot's payload is smaller than T; that is a segment/type mismatch
// a caller should catch in development, not recover from mid-transaction.
func ProducerView[T any](c *ProducerContext) *T {
	var zero T
	buf := c.Payload()
	if len(buf) < int(unsafe.Sizeof(zero)) {
		panic("hubtx: payload smaller than the requested view type")
	}
	return (*T)(unsafe.Pointer(&buf[0]))
}

// ConsumerView is ProducerView's read-side counterpart.
func ConsumerView[T any](c *ConsumerContext) *T {
	var zero T
	buf := c.Payload()
	if len(buf) < int(unsafe.Sizeof(zero)) {
		panic("hubtx: payload smaller than the requested view type")
	}
	return (*T)(unsafe.Pointer(&buf[0]))
}

// WithProducerTransaction acquires a write slot, heartbeats the
// producer liveness row on entry and on every tick of
// opts.HeartbeatTicks while fn runs, then commits on a nil return or
// aborts on error or panic. A panic inside fn aborts the slot and then
// propagates, matching Go's usual panic semantics rather than
// swallowing it.
func WithProducerTransaction(seg *shmseg.Segment, timeout time.Duration, opts TransactionOptions, fn func(*ProducerContext) error) (err error) {
	seg.Heartbeat()
	handle, err := seg.AcquireWriteSlot(timeout)
	if err != nil {
		return err
	}

	stop := startHeartbeatLoop(opts.HeartbeatTicks, seg.Heartbeat)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			handle.Abort()
			panic(r)
		}
	}()

	if err := fn(&ProducerContext{handle: handle}); err != nil {
		handle.Abort()
		return err
	}
	return handle.Commit()
}

// WithConsumerTransaction acquires a read slot from session, heartbeats
// on entry and on every tick of opts.HeartbeatTicks while fn runs, and
// always releases the slot on the way out — there is no consumer-side
// "abort": the payload was only read. fn's error, if any, is returned;
// Release's error is returned only when fn succeeded. A release-time
// checksum mismatch is reported through opts.OnChecksumError, if set,
// whether or not it is also returned.
func WithConsumerTransaction(session *shmseg.ConsumerSession, timeout time.Duration, opts TransactionOptions, fn func(*ConsumerContext) error) (err error) {
	session.Heartbeat()
	handle, err := session.AcquireConsumeSlot(timeout)
	if err != nil {
		return err
	}
	slotID := handle.SlotID()

	stop := startHeartbeatLoop(opts.HeartbeatTicks, session.Heartbeat)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			handle.Release()
			panic(r)
		}
		releaseErr := handle.Release()
		if shmerr.Is(releaseErr, shmerr.ChecksumError) && opts.OnChecksumError != nil {
			opts.OnChecksumError(slotID)
		}
		if err == nil {
			err = releaseErr
		}
	}()

	err = fn(&ConsumerContext{handle: handle})
	return err
}
