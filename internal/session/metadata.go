package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tanq16/partdl/internal/probe"
)

// metadataFile sits next to the destination so an interrupted session can be
// rebuilt with the same ranges.
type metadataFile struct {
	Options        Options `json:"options"`
	ContentLength  int64   `json:"content_length"`
	SupportsRanges bool    `json:"supports_ranges"`
}

func metadataPath(destination string) string {
	return destination + ".json"
}

func (m metadataFile) probed() probe.Metadata {
	return probe.Metadata{SupportsRanges: m.SupportsRanges, ContentLength: m.ContentLength}
}

// loadMetadata returns nil without error when no metadata file exists.
func loadMetadata(path string) (*metadataFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing metadata file %s: %w", path, err)
	}
	return &meta, nil
}

func saveMetadata(path string, meta metadataFile) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
