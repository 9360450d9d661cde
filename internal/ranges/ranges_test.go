package ranges

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	testCases := map[string]struct {
		totalSize int64
		threads   int
		want      []ByteRange
	}{
		"single thread": {
			totalSize: 1000,
			threads:   1,
			want:      []ByteRange{{0, 999}},
		},
		"even split": {
			totalSize: 1000,
			threads:   4,
			want:      []ByteRange{{0, 249}, {250, 499}, {500, 749}, {750, 999}},
		},
		"remainder goes to last part": {
			totalSize: 10,
			threads:   3,
			want:      []ByteRange{{0, 2}, {3, 5}, {6, 9}},
		},
		"more threads than bytes": {
			totalSize: 2,
			threads:   4,
			want:      []ByteRange{{0, -1}, {0, -1}, {0, -1}, {0, 1}},
		},
		"empty resource": {
			totalSize: 0,
			threads:   2,
			want:      []ByteRange{{0, -1}, {0, -1}},
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			got, err := Partition(tc.totalSize, tc.threads)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPartitionCoversResource(t *testing.T) {
	for _, totalSize := range []int64{1, 7, 100, 1000, 1 << 20, 1<<30 + 13} {
		for threads := 1; threads <= 16; threads++ {
			parts, err := Partition(totalSize, threads)
			require.NoError(t, err)
			require.Len(t, parts, threads)

			var sum int64
			next := int64(0)
			for _, p := range parts {
				assert.GreaterOrEqual(t, p.Size(), int64(0))
				if p.Size() > 0 {
					assert.Equal(t, next, p.Start, "size=%d threads=%d", totalSize, threads)
					next = p.End + 1
				}
				sum += p.Size()
			}
			assert.Equal(t, totalSize, sum)
			assert.Equal(t, totalSize-1, parts[threads-1].End)
		}
	}
}

func TestPartitionInvalid(t *testing.T) {
	_, err := Partition(100, 0)
	assert.ErrorIs(t, err, ErrInvalidThreadCount)

	_, err = Partition(-1, 2)
	assert.Error(t, err)
}

func TestEntries(t *testing.T) {
	parts, err := Partition(1000, 2)
	require.NoError(t, err)

	entries := Entries("/tmp/file.bin", parts)
	require.Len(t, entries, 2)
	assert.Equal(t, "/tmp/file.bin.0", entries[0].Path)
	assert.Equal(t, "/tmp/file.bin.1", entries[1].Path)
	assert.Equal(t, ByteRange{500, 999}, entries[1].Range)
	assert.Equal(t, "bytes=500-999", entries[1].Range.Header())
}
