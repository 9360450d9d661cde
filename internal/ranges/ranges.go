package ranges

import (
	"errors"
	"fmt"
)

var ErrInvalidThreadCount = errors.New("thread count must be at least 1")

// ByteRange is an inclusive span of bytes. End == Start-1 is an empty range.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r ByteRange) Size() int64 {
	return r.End - r.Start + 1
}

func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// PartEntry binds a range to the segment file that holds it.
// Unbounded entries cover a resource of unknown length.
type PartEntry struct {
	Range     ByteRange `json:"range"`
	Path      string    `json:"path"`
	Unbounded bool      `json:"unbounded,omitempty"`
}

// Partition splits totalSize bytes into threadCount contiguous ranges.
// Every part gets totalSize/threadCount bytes and the last one also takes the remainder.
func Partition(totalSize int64, threadCount int) ([]ByteRange, error) {
	if threadCount < 1 {
		return nil, ErrInvalidThreadCount
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("invalid total size: %d", totalSize)
	}
	base := totalSize / int64(threadCount)
	rem := totalSize % int64(threadCount)
	result := make([]ByteRange, threadCount)
	prevEnd := int64(-1)
	for i := range threadCount {
		size := base
		if i == threadCount-1 {
			size += rem
		}
		result[i] = ByteRange{Start: prevEnd + 1, End: prevEnd + size}
		prevEnd += size
	}
	return result, nil
}

// Entries pairs each range with its segment path, <destination>.<index>.
func Entries(destination string, parts []ByteRange) []PartEntry {
	entries := make([]PartEntry, len(parts))
	for i, r := range parts {
		entries[i] = PartEntry{Range: r, Path: SegmentPath(destination, i)}
	}
	return entries
}

func SegmentPath(destination string, index int) string {
	return fmt.Sprintf("%s.%d", destination, index)
}
