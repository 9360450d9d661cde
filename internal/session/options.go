package session

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/partdl/internal/utils"
)

const (
	MinThreads    = 1
	MaxThreads    = 16
	MinThrottleMs = 100
	MaxThrottleMs = 2000
)

var (
	ErrThreadCount     = fmt.Errorf("thread count must be between %d and %d", MinThreads, MaxThreads)
	ErrThrottle        = fmt.Errorf("throttle interval must be between %d and %d ms", MinThrottleMs, MaxThrottleMs)
	ErrScheme          = errors.New("url scheme must be http or https")
	ErrMissingHost     = errors.New("url has no host")
	ErrDirNotFound     = errors.New("destination directory does not exist")
	ErrInvalidFilename = errors.New("invalid filename")
)

// Options configure one download. They are fixed once the session exists.
type Options struct {
	URL        string            `json:"url"`
	Dir        string            `json:"dir"`
	Filename   string            `json:"filename"`
	Threads    int               `json:"threads"`
	Headers    map[string]string `json:"headers,omitempty"`
	ThrottleMs int               `json:"throttle_ms"`
}

// Destination is the path of the merged output file.
func (o Options) Destination() string {
	return filepath.Join(o.Dir, o.Filename)
}

func (o Options) withDefaults() Options {
	if o.Filename == "" {
		o.Filename = utils.FilenameFromURL(o.URL)
	}
	return o
}

// Validate rejects options a session cannot run with.
func (o Options) Validate() error {
	if o.Threads < MinThreads || o.Threads > MaxThreads {
		return ErrThreadCount
	}
	if o.ThrottleMs < MinThrottleMs || o.ThrottleMs > MaxThrottleMs {
		return ErrThrottle
	}
	parsed, err := url.Parse(o.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrScheme
	}
	if parsed.Host == "" {
		return ErrMissingHost
	}
	info, err := os.Stat(o.Dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDirNotFound, o.Dir)
	}
	return validateFilename(o.Filename)
}

func validateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidFilename, name)
	case len(name) > 255:
		return fmt.Errorf("%w: name too long", ErrInvalidFilename)
	}
	return nil
}
