package shmlayout_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pylabhub/datahub/shmlayout"
)

func Test_Compute_Returns_Error_When_Parameters_Invalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name                                                     string
		capacity, payloadBytes, flexZoneBytes, slotMetadataSize int
	}{
		{"ZeroCapacity", 0, 64, 0, 32},
		{"NegativeCapacity", -1, 64, 0, 32},
		{"ZeroPayloadBytes", 8, 0, 0, 32},
		{"NegativeFlexZoneBytes", 8, 64, -1, 32},
		{"ZeroSlotMetadataSize", 8, 64, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := shmlayout.Compute(tc.capacity, tc.payloadBytes, tc.flexZoneBytes, tc.slotMetadataSize)
			require.Error(t, err)
		})
	}
}

func Test_Compute_Regions_Do_Not_Overlap_And_Are_Eight_Byte_Aligned(t *testing.T) {
	t.Parallel()

	l, err := shmlayout.Compute(16, 256, 128, 40)
	require.NoError(t, err)

	require.Equal(t, int64(shmlayout.HeaderSize), l.SlotStateOffset)
	require.Equal(t, l.SlotStateOffset+l.SlotStateSize, l.SlotDataOffset)
	require.Equal(t, l.SlotDataOffset+l.SlotDataSize, l.FlexZoneOffset)
	require.Equal(t, l.FlexZoneOffset+l.FlexZoneSize, l.TotalSize)

	require.Zero(t, l.SlotStateOffset%8)
	require.Zero(t, l.SlotDataOffset%8)
	require.Zero(t, l.FlexZoneOffset%8)
}

func Test_Compute_Is_Deterministic_And_Hash_Changes_With_Parameters(t *testing.T) {
	t.Parallel()

	a, err := shmlayout.Compute(16, 256, 128, 40)
	require.NoError(t, err)
	b, err := shmlayout.Compute(16, 256, 128, 40)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("identical inputs produced different layouts (-a +b):\n%s", diff)
	}

	c, err := shmlayout.Compute(32, 256, 128, 40)
	require.NoError(t, err)
	require.NotEqual(t, a.Hash, c.Hash)
}

func Test_ValidateName_Rejects_Long_Or_Slashed_Names(t *testing.T) {
	t.Parallel()

	require.NoError(t, shmlayout.ValidateName("telescope-feed-1"))
	require.Error(t, shmlayout.ValidateName(""))
	require.Error(t, shmlayout.ValidateName("has/slash"))

	long := make([]byte, shmlayout.MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	require.Error(t, shmlayout.ValidateName(string(long)))
}
