//go:build linux || darwin

package hubtx_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pylabhub/datahub/hubtx"
	"github.com/pylabhub/datahub/shmseg"
)

type sample struct {
	A int64
	B int64
}

func freshSegment(t *testing.T, policy shmseg.Policy) *shmseg.Segment {
	t.Helper()
	return freshSegmentWithChecksum(t, policy, shmseg.ChecksumDisabled)
}

func freshSegmentWithChecksum(t *testing.T, policy shmseg.Policy, checksum shmseg.ChecksumPolicy) *shmseg.Segment {
	t.Helper()
	name := fmt.Sprintf("datahub-hubtx-test-%d-%d", time.Now().UnixNano(), rand.Int())
	seg, err := shmseg.Create(name, shmseg.CreateOptions{
		Capacity:       4,
		PayloadBytes:   64,
		FlexZoneBytes:  8,
		Policy:         policy,
		ChecksumPolicy: checksum,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		seg.Close()
		seg.Unlink()
	})
	return seg
}

func Test_WithProducerTransaction_Commits_On_Nil_Return(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	err := hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		view := hubtx.ProducerView[sample](c)
		view.A, view.B = 1, 2
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seg.WriteIndex())

	snap := seg.SlotSnapshot(0)
	require.Equal(t, shmseg.SlotCommitted, snap.State)
}

func Test_WithProducerTransaction_Aborts_On_Callback_Error(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	boom := errors.New("boom")
	err := hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap := seg.SlotSnapshot(0)
	require.Equal(t, shmseg.SlotFree, snap.State)
}

func Test_WithProducerTransaction_Aborts_And_Repanics_On_Callback_Panic(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	require.Panics(t, func() {
		hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
			panic("callback exploded")
		})
	})

	snap := seg.SlotSnapshot(0)
	require.Equal(t, shmseg.SlotFree, snap.State)
}

func Test_WithConsumerTransaction_Reads_Committed_Payload_And_Releases(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	require.NoError(t, hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		view := hubtx.ProducerView[sample](c)
		view.A, view.B = 7, 9
		return nil
	}))

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	var got sample
	err = hubtx.WithConsumerTransaction(session, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ConsumerContext) error {
		got = *hubtx.ConsumerView[sample](c)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, sample{A: 7, B: 9}, got)
	require.Equal(t, uint64(1), seg.ReadIndex())
}

func Test_WithConsumerTransaction_Releases_Even_When_Callback_Errors(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	require.NoError(t, hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		return nil
	}))

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	boom := errors.New("boom")
	err = hubtx.WithConsumerTransaction(session, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ConsumerContext) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(1), seg.ReadIndex())
}

func Test_ProducerView_Panics_When_Type_Is_Larger_Than_Payload(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	type tooBig struct {
		_ [256]byte
	}

	require.Panics(t, func() {
		hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
			hubtx.ProducerView[tooBig](c)
			return nil
		})
	})
}

func Test_WithProducerTransaction_Heartbeats_Periodically_During_A_Long_Running_Callback(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	ticks := time.NewTicker(10 * time.Millisecond)
	defer ticks.Stop()

	startID := seg.ProducerHeartbeatID()

	err := hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{HeartbeatTicks: ticks.C}, func(c *hubtx.ProducerContext) error {
		time.Sleep(65 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	// One heartbeat fires on entry regardless; a callback this long must
	// see several more from the ticker, or it would go stale and risk
	// being reclaimed as a zombie while still legitimately holding the slot.
	require.Greater(t, seg.ProducerHeartbeatID(), startID+1)
}

func Test_WithConsumerTransaction_Heartbeats_Periodically_During_A_Long_Running_Callback(t *testing.T) {
	t.Parallel()
	seg := freshSegment(t, shmseg.SingleReader)

	require.NoError(t, hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		return nil
	}))

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	ticks := time.NewTicker(10 * time.Millisecond)
	defer ticks.Stop()

	startHeartbeat := seg.ConsumerRow(session.RowIndex()).LastHeartbeatNS

	err = hubtx.WithConsumerTransaction(session, shmseg.DefaultTimeout, hubtx.TransactionOptions{HeartbeatTicks: ticks.C}, func(c *hubtx.ConsumerContext) error {
		time.Sleep(65 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.Greater(t, seg.ConsumerRow(session.RowIndex()).LastHeartbeatNS, startHeartbeat)
}

func Test_WithConsumerTransaction_Reports_Checksum_Error_Via_Callback(t *testing.T) {
	t.Parallel()
	seg := freshSegmentWithChecksum(t, shmseg.SingleReader, shmseg.ChecksumEnforced)

	require.NoError(t, hubtx.WithProducerTransaction(seg, shmseg.DefaultTimeout, hubtx.TransactionOptions{}, func(c *hubtx.ProducerContext) error {
		copy(c.Payload(), "intact")
		return nil
	}))

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	var reportedSlot uint64
	var reported bool
	opts := hubtx.TransactionOptions{
		OnChecksumError: func(slotID uint64) {
			reported = true
			reportedSlot = slotID
		},
	}

	err = hubtx.WithConsumerTransaction(session, shmseg.DefaultTimeout, opts, func(c *hubtx.ConsumerContext) error {
		c.Payload()[0] ^= 0xFF // corrupt after acquire, before release
		return nil
	})
	require.Error(t, err)
	require.True(t, reported)
	require.Equal(t, uint64(0), reportedSlot)
}
