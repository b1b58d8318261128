// Package recovery implements zombie writer/reader detection, integrity
// validation, and diagnostics over an attached segment (spec.md §4.6).
// It never panics; every pass returns a report even when it finds
// nothing wrong.
package recovery

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/pylabhub/datahub/procstat"
	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmseg"
)

// Sweeper runs periodic zombie-writer and zombie-reader sweeps against a
// segment. It holds no state of its own beyond the segment and
// timeouts; a Sweeper is safe to run from any process attached to the
// segment, not just the current producer.
type Sweeper struct {
	seg                      *shmseg.Segment
	writerHeartbeatTimeout   time.Duration
	consumerHeartbeatTimeout time.Duration
}

// NewSweeper builds a Sweeper using the segment's own configured
// heartbeat timeouts.
func NewSweeper(seg *shmseg.Segment) *Sweeper {
	return &Sweeper{
		seg:                      seg,
		writerHeartbeatTimeout:   seg.WriterHeartbeatTimeout(),
		consumerHeartbeatTimeout: seg.ConsumerHeartbeatTimeout(),
	}
}

// WriterSweepResult reports the outcome of one zombie-writer pass.
type WriterSweepResult struct {
	ZombieFound          bool
	ZombiePID            uint64
	SlotsReverted        int
	WriteIndexRolledBack bool
	WriteLockReclaimed   bool
}

// SweepZombieWriter reclaims the producer write-lock from a dead owner
// and reverts any WRITING slot that dead producer left behind (spec
// §4.6: "A writer is zombie iff !is_alive(pid) or monotonic_now -
// heartbeat_ns > writer_heartbeat_timeout").
func (sw *Sweeper) SweepZombieWriter() WriterSweepResult {
	var res WriterSweepResult

	pid := sw.seg.ProducerPID()
	if pid == 0 {
		return res
	}

	stale := procstat.MonotonicNowNS()-sw.seg.ProducerHeartbeatNS() > uint64(sw.writerHeartbeatTimeout)
	if procstat.IsAlive(pid) && !stale {
		return res
	}

	res.ZombieFound = true
	res.ZombiePID = pid
	res.WriteLockReclaimed = sw.seg.ReclaimWriteLockIfDead(procstat.IsAlive)
	res.SlotsReverted, res.WriteIndexRolledBack = sw.seg.RevertZombieWritingSlots(pid)
	return res
}

// ReaderSweepResult reports the outcome of one zombie-reader pass.
// DeadRows is the set of liveness rows that were found dead this pass,
// kept as a bounded bitset rather than a slice since its only uses are
// membership checks and counting.
type ReaderSweepResult struct {
	DeadRows      *bitset.BitSet
	SlotsAffected int
}

// SweepZombieReaders releases every liveness row whose owning process is
// dead or has stopped heartbeating, dropping its claim on any slot it
// was holding (spec §4.6's zombie-reader recovery).
func (sw *Sweeper) SweepZombieReaders() ReaderSweepResult {
	res := ReaderSweepResult{DeadRows: bitset.New(uint(sw.seg.NumConsumerRows()))}

	for i := 0; i < sw.seg.NumConsumerRows(); i++ {
		row := sw.seg.ConsumerRow(i)
		if row.PID == 0 {
			continue
		}
		stale := procstat.MonotonicNowNS()-row.LastHeartbeatNS > uint64(sw.consumerHeartbeatTimeout)
		if procstat.IsAlive(row.PID) && !stale {
			continue
		}

		res.DeadRows.Set(uint(i))
		res.SlotsAffected += sw.seg.DropDeadReader(i)
		sw.seg.ReleaseConsumerRowByRecovery(i)
	}

	return res
}

// IntegrityReport is the result of ValidateIntegrity.
type IntegrityReport struct {
	LayoutOK        bool
	FlexZoneOK      bool
	MismatchedSlots []int
	RepairedSlots   []int
}

// OK reports whether every check passed.
func (r IntegrityReport) OK() bool {
	return r.LayoutOK && r.FlexZoneOK && len(r.MismatchedSlots) == 0
}

// ValidateIntegrity checks the flex-zone checksum and every COMMITTED
// slot's payload checksum. It does not re-check magic, version or the
// layout hash (attach verifies those), so LayoutOK is always true in the
// returned report. In repair mode a mismatched slot is forced back to
// FREE; the flex zone is reported but never repaired.
func ValidateIntegrity(seg *shmseg.Segment, repair bool) (IntegrityReport, error) {
	report := IntegrityReport{LayoutOK: true, FlexZoneOK: seg.ValidateFlexZoneChecksum()}

	for i := 0; i < seg.Capacity(); i++ {
		if seg.ValidateSlotChecksum(i) {
			continue
		}
		report.MismatchedSlots = append(report.MismatchedSlots, i)
		if repair {
			seg.RepairSlot(i)
			report.RepairedSlots = append(report.RepairedSlots, i)
		}
	}

	if !report.LayoutOK {
		return report, shmerr.New(shmerr.LayoutMismatch, "recovery.ValidateIntegrity", fmt.Errorf("layout hash mismatch is not repairable"))
	}
	return report, nil
}
