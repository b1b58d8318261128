package shmseg

import (
	"fmt"

	"github.com/pylabhub/datahub/procstat"
	"github.com/pylabhub/datahub/shmerr"
)

// ConsumerRowView is a read-only snapshot of one consumer liveness row,
// used by recovery and cmd/hubdiag. A row with PID == 0 is free.
type ConsumerRowView struct {
	RowIndex        int
	PID             uint64
	LastHeartbeatNS uint64
	ConsumerUID     string
	ConsumerName    string
	PendingSlotID   uint64
}

// ConsumerRow returns a snapshot of liveness row i.
func (s *Segment) ConsumerRow(i int) ConsumerRowView {
	r := &s.hdr.ConsumerLiveness[i]
	return ConsumerRowView{
		RowIndex:        i,
		PID:             r.PID.Load(),
		LastHeartbeatNS: r.LastHeartbeatNS.Load(),
		ConsumerUID:     getString(r.ConsumerUID[:]),
		ConsumerName:    getString(r.ConsumerName[:]),
		PendingSlotID:   r.PendingSlotID.Load(),
	}
}

// claimConsumerRow CAS-claims the first free row (PID 0 -> pid),
// writing identity bytes *before* the PID store so any observer that
// sees a non-zero PID sees a fully-populated row (spec §9 Open
// Question; property P7).
func (s *Segment) claimConsumerRow(uid, name string) (int, error) {
	pid := s.ownPID
	for i := 0; i < numConsumers; i++ {
		r := &s.hdr.ConsumerLiveness[i]
		if r.PID.Load() != 0 {
			continue
		}
		putTruncated(r.ConsumerUID[:], uid)
		putTruncated(r.ConsumerName[:], name)
		r.LastHeartbeatNS.Store(procstat.MonotonicNowNS())
		r.PendingSlotID.Store(s.hdr.ReadIndex.Load())
		if r.PID.CompareAndSwap(0, pid) {
			return i, nil
		}
		// Lost the race for this row; someone else claimed it between
		// our scan and our CAS. Clear what we wrote and try the next row.
		putTruncated(r.ConsumerUID[:], "")
		putTruncated(r.ConsumerName[:], "")
	}
	return -1, shmerr.New(shmerr.OSFailure, "shmseg.claimConsumerRow", fmt.Errorf("no free consumer liveness row"))
}

// releaseConsumerRow zeroes identity bytes *before* clearing the PID,
// the mirror image of the claim ordering, so a racing reader never sees
// a non-zero PID with stale identity.
func (s *Segment) releaseConsumerRow(i int, pid uint64) {
	r := &s.hdr.ConsumerLiveness[i]
	putTruncated(r.ConsumerUID[:], "")
	putTruncated(r.ConsumerName[:], "")
	r.PendingSlotID.Store(0)
	r.LastHeartbeatNS.Store(0)
	r.PID.CompareAndSwap(pid, 0)
}

// ReleaseConsumerRowByRecovery force-releases liveness row i using its
// own currently-stored PID, for use when recovery (not the owning
// process itself) has determined the row is dead.
func (s *Segment) ReleaseConsumerRowByRecovery(i int) {
	pid := s.hdr.ConsumerLiveness[i].PID.Load()
	s.releaseConsumerRow(i, pid)
}

func (s *Segment) heartbeatConsumerRow(i int) {
	s.hdr.ConsumerLiveness[i].LastHeartbeatNS.Store(procstat.MonotonicNowNS())
}
