package merge

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/tanq16/partdl/internal/utils"
)

var ErrNoSegments = errors.New("no segment files to merge")

// Merge concatenates the segment files into dest in the given order. On error
// dest is left in whatever partial state the copy reached.
func Merge(paths []string, dest string) error {
	log := utils.GetLogger("merge")
	if len(paths) == 0 {
		return ErrNoSegments
	}
	destFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer destFile.Close()

	var totalWritten int64
	for i, path := range paths {
		written, err := appendSegment(destFile, path)
		if err != nil {
			return err
		}
		totalWritten += written
		log.Debug().Int("index", i).Str("segment", path).Int64("bytes", written).Msg("Segment appended")
	}
	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("error flushing output file: %w", err)
	}
	log.Debug().Str("dest", dest).Int64("bytes", totalWritten).Msg("Merge complete")
	return nil
}

func appendSegment(dst io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening segment %s: %w", path, err)
	}
	defer src.Close()
	written, err := io.CopyBuffer(dst, src, make([]byte, utils.DefaultBufferSize))
	if err != nil {
		return written, fmt.Errorf("error copying segment %s: %w", path, err)
	}
	return written, nil
}

// DeleteFiles removes every path, ignoring ones that are already gone. All
// paths are attempted even when some fail.
func DeleteFiles(paths ...string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
