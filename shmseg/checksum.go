package shmseg

import "github.com/ethereum/go-ethereum/crypto"

// checksumBytes folds Keccak256 down to a uint64 for use as a cheap,
// fixed-width corruption check on slot payloads and the flex zone (spec
// §4.7/§9: "not an authentication mechanism ... a detection aid"). The
// same non-cryptographic usage as shmlayout's layout hash.
func checksumBytes(b []byte) uint64 {
	sum := crypto.Keccak256(b)
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return v
}
