package shmseg

import (
	"time"

	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmsync"
)

// WithFlexZone runs fn with exclusive access to the flex zone's raw
// bytes, recomputing its checksum on return unless fn returns an error
// (spec §3: FlexZone "is protected by its own slot-independent spinlock
// and has its own checksum"; spec §4.7: "update_flex_checksum() —
// producer only, unless suppressed"). Readers and writers both take this
// path; the lock does not distinguish them.
func (s *Segment) WithFlexZone(timeout time.Duration, fn func(buf []byte) error) error {
	const op = "shmseg.WithFlexZone"
	trailer := s.flexTrailerPtr()
	if trailer == nil {
		return shmerr.New(shmerr.LogicError, op, errNoFlexZone)
	}
	if !trailer.Lock.Lock(s.ownPID, timeout, shmsync.IsAlive) {
		return shmerr.New(shmerr.Timeout, op, nil)
	}
	defer trailer.Lock.Unlock(s.ownPID)

	buf := s.flexUserBytes()
	if err := fn(buf); err != nil {
		return err
	}
	trailer.Checksum.Store(uint64(checksumBytes(buf)))
	return nil
}

// ValidateFlexZoneChecksum reports whether the stored checksum matches
// the current bytes. Used by recovery's integrity pass; does not take
// the flex-zone lock, so it is only meaningful when the caller already
// knows no writer is active (e.g. during a recovery pass holding the
// producer write-lock) or is used as an advisory, racy check.
func (s *Segment) ValidateFlexZoneChecksum() bool {
	trailer := s.flexTrailerPtr()
	if trailer == nil {
		return true
	}
	return trailer.Checksum.Load() == uint64(checksumBytes(s.flexUserBytes()))
}

var errNoFlexZone = flexZoneError("shmseg: segment has no flex zone")

type flexZoneError string

func (e flexZoneError) Error() string { return string(e) }
