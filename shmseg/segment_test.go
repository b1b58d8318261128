//go:build linux || darwin

package shmseg_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pylabhub/datahub/shmseg"
)

func freshName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("datahub-test-%d-%d", time.Now().UnixNano(), rand.Int())
}

func createSegment(t *testing.T, policy shmseg.Policy, capacity int, checksum shmseg.ChecksumPolicy) *shmseg.Segment {
	t.Helper()
	seg, err := shmseg.Create(freshName(t), shmseg.CreateOptions{
		Capacity:       capacity,
		PayloadBytes:   32,
		FlexZoneBytes:  16,
		Policy:         policy,
		ChecksumPolicy: checksum,
		HubUID:         "hub-1",
		HubName:        "Test Hub",
		ProducerUID:    "producer-1",
		ProducerName:   "Test Producer",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		seg.Close()
		seg.Unlink()
	})
	return seg
}

func writeMessage(t *testing.T, seg *shmseg.Segment, msg string) uint64 {
	t.Helper()
	h, err := seg.AcquireWriteSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	copy(h.Payload(), msg)
	require.NoError(t, h.Commit())
	return h.SlotID()
}

func Test_Create_Then_WriteAttach_Round_Trips_Identity_And_Layout(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumDisabled)

	attached, err := shmseg.WriteAttach(seg.Name(), shmseg.AttachExpectations{})
	require.NoError(t, err)
	defer attached.Close()

	require.Equal(t, seg.LayoutHash(), attached.LayoutHash())
	hubUID, hubName, producerUID, producerName := attached.Identity()
	require.Equal(t, "hub-1", hubUID)
	require.Equal(t, "Test Hub", hubName)
	require.Equal(t, "producer-1", producerUID)
	require.Equal(t, "Test Producer", producerName)
}

func Test_ReadAttach_Fails_With_SecretMismatch_When_Secret_Differs(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumDisabled)

	_, err := shmseg.ReadAttach(seg.Name(), shmseg.AttachExpectations{SharedSecret: [32]byte{1}})
	require.Error(t, err)
}

func Test_SingleReader_Producer_Consumer_Roundtrip(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumEnforced)

	slotID := writeMessage(t, seg, "hello")

	session, err := shmseg.AttachConsumer(seg, "consumer-1", "Reader One")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	require.Equal(t, slotID, rh.SlotID())
	require.Equal(t, byte('h'), rh.Payload()[0])
	require.NoError(t, rh.Release())

	require.Equal(t, slotID+1, seg.ReadIndex())
}

func Test_SingleReader_Ring_Full_Blocks_Until_Consumer_Releases(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 2, shmseg.ChecksumDisabled)

	writeMessage(t, seg, "a")
	writeMessage(t, seg, "b")

	_, err := seg.AcquireWriteSlot(20 * time.Millisecond)
	require.Error(t, err)

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)
	require.NoError(t, rh.Release())

	_, err = seg.AcquireWriteSlot(100 * time.Millisecond)
	require.NoError(t, err)
}

func Test_LatestOnly_Wraps_Over_Unread_Slots_Without_Blocking(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.LatestOnly, 2, shmseg.ChecksumDisabled)

	writeMessage(t, seg, "1")
	writeMessage(t, seg, "2")
	slotID := writeMessage(t, seg, "3")

	require.Equal(t, slotID+1, seg.WriteIndex())

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)
	require.Equal(t, slotID, rh.SlotID())
	require.Equal(t, byte('3'), rh.Payload()[0])
	require.NoError(t, rh.Release())
}

func Test_LatestOnly_Wrap_Drains_A_Slot_Currently_Being_Read(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.LatestOnly, 1, shmseg.ChecksumDisabled)
	seg2, err := shmseg.WriteAttach(seg.Name(), shmseg.AttachExpectations{})
	require.NoError(t, err)
	defer seg2.Close()
	_ = seg2 // segment's drainTimeout is fixed at create; no second config needed here

	first := writeMessage(t, seg, "old")

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)
	require.Equal(t, first, rh.SlotID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, rh.Release())
	}()

	second := writeMessage(t, seg, "new")
	<-done
	require.Equal(t, first+1, second)
}

func Test_SyncReader_Frontier_Is_Min_Of_Live_Consumer_Pending_Slots(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SyncReader, 8, shmseg.ChecksumDisabled)

	for i := 0; i < 3; i++ {
		writeMessage(t, seg, fmt.Sprintf("m%d", i))
	}

	fast, err := shmseg.AttachConsumer(seg, "fast", "fast reader")
	require.NoError(t, err)
	defer fast.Detach()
	slow, err := shmseg.AttachConsumer(seg, "slow", "slow reader")
	require.NoError(t, err)
	defer slow.Detach()

	for i := 0; i < 2; i++ {
		rh, err := fast.AcquireConsumeSlot(shmseg.Immediate)
		require.NoError(t, err)
		require.NoError(t, rh.Release())
	}
	require.Equal(t, uint64(0), seg.ReadIndex())

	rh, err := slow.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)
	require.NoError(t, rh.Release())

	require.Equal(t, uint64(1), seg.ReadIndex())
}

func Test_ChecksumEnforced_Release_Reports_ChecksumError_On_Corruption(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumEnforced)

	h, err := seg.AcquireWriteSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	copy(h.Payload(), "intact")
	require.NoError(t, h.Commit())

	session, err := shmseg.AttachConsumer(seg, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)

	rh.Payload()[0] ^= 0xFF // corrupt after acquire, before release

	err = rh.Release()
	require.Error(t, err)
	// The release still happened despite the checksum failure, so the
	// ring doesn't leak a permanently-held slot.
	require.Equal(t, uint64(1), seg.ReadIndex())
}

func Test_WriteHandle_Commit_Is_Idempotent(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumDisabled)

	h, err := seg.AcquireWriteSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	require.NoError(t, h.Commit())
	require.NoError(t, h.Commit())
}

func Test_WriteHandle_Abort_Frees_The_Slot_Without_Advancing_ReadIndex(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumDisabled)

	h, err := seg.AcquireWriteSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	require.NoError(t, h.Abort())

	snap := seg.SlotSnapshot(int(h.SlotID() % uint64(seg.Capacity())))
	require.Equal(t, shmseg.SlotFree, snap.State)
	require.Equal(t, uint64(0), seg.ReadIndex())
}

func Test_WriteAttach_And_ReadAttach_Inherit_The_Creators_ChecksumPolicy(t *testing.T) {
	t.Parallel()
	seg := createSegment(t, shmseg.SingleReader, 4, shmseg.ChecksumEnforced)
	require.Equal(t, shmseg.ChecksumEnforced, seg.ChecksumPolicy())

	writer, err := shmseg.WriteAttach(seg.Name(), shmseg.AttachExpectations{})
	require.NoError(t, err)
	defer writer.Close()
	require.Equal(t, shmseg.ChecksumEnforced, writer.ChecksumPolicy())

	reader, err := shmseg.ReadAttach(seg.Name(), shmseg.AttachExpectations{})
	require.NoError(t, err)
	defer reader.Close()
	require.Equal(t, shmseg.ChecksumEnforced, reader.ChecksumPolicy())

	// A genuinely separate *Segment handle must enforce checksums at
	// release time exactly as the creator would, not silently fall back
	// to disabled because the policy lives only on the creator's struct.
	h, err := seg.AcquireWriteSlot(shmseg.DefaultTimeout)
	require.NoError(t, err)
	copy(h.Payload(), "intact")
	require.NoError(t, h.Commit())

	session, err := shmseg.AttachConsumer(reader, "c1", "reader")
	require.NoError(t, err)
	defer session.Detach()

	rh, err := session.AcquireConsumeSlot(shmseg.Immediate)
	require.NoError(t, err)
	rh.Payload()[0] ^= 0xFF // corrupt after acquire, before release

	require.Error(t, rh.Release())
}
