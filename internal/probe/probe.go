package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

const (
	UnknownLength  = -1
	DefaultTimeout = 5 * time.Second
	probeBytes     = 100
)

var (
	ErrHeadRejected    = errors.New("server rejected HEAD request")
	ErrNoContentRange  = errors.New("missing Content-Range header")
	ErrBadContentRange = errors.New("unparseable Content-Range header")
)

// Metadata describes what a remote resource allows.
type Metadata struct {
	SupportsRanges bool  `json:"supports_ranges"`
	ContentLength  int64 `json:"content_length"`
}

func (m Metadata) LengthKnown() bool {
	return m.ContentLength >= 0
}

var nonResumable = Metadata{SupportsRanges: false, ContentLength: UnknownLength}

type Prober struct {
	client  transport.Doer
	timeout time.Duration
	log     zerolog.Logger
}

func New(client transport.Doer) *Prober {
	return &Prober{
		client:  client,
		timeout: DefaultTimeout,
		log:     utils.GetLogger("probe"),
	}
}

func (p *Prober) SetTimeout(d time.Duration) {
	p.timeout = d
}

// Probe resolves range support and length for link. It never fails: every
// unresolvable case reports a non-resumable resource of unknown length.
func (p *Prober) Probe(ctx context.Context, link string, headers map[string]string) Metadata {
	meta, err := p.head(ctx, link, headers)
	if err == nil {
		p.log.Debug().Str("url", link).Bool("ranges", meta.SupportsRanges).Int64("length", meta.ContentLength).Msg("HEAD probe succeeded")
		return meta
	}
	if isTerminal(err) {
		p.log.Warn().Err(err).Str("url", link).Msg("Terminal network error while probing")
		return nonResumable
	}
	p.log.Debug().Err(err).Str("url", link).Msg("HEAD probe failed, trying ranged GET")
	meta, err = p.rangedGet(ctx, link, headers)
	if err != nil {
		p.log.Debug().Err(err).Str("url", link).Msg("Ranged GET probe failed")
		return nonResumable
	}
	return meta
}

func (p *Prober) head(ctx context.Context, link string, headers map[string]string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := transport.NewRequest(ctx, http.MethodHead, link, headers)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Metadata{}, fmt.Errorf("%w: status %d", ErrHeadRejected, resp.StatusCode)
	}
	return Metadata{
		SupportsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentLength:  parseLength(resp.Header.Get("Content-Length")),
	}, nil
}

// rangedGet asks for the first bytes of the resource and reads the total
// size from Content-Range, dropping the connection once enough has arrived.
func (p *Prober) rangedGet(ctx context.Context, link string, headers map[string]string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Range"] = fmt.Sprintf("bytes=0-%d", probeBytes-1)
	req, err := transport.NewRequest(ctx, http.MethodGet, link, h)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Metadata{}, fmt.Errorf("ranged GET returned status %d", resp.StatusCode)
	}
	contentRange := resp.Header.Get("Content-Range")
	if contentRange == "" {
		return Metadata{}, ErrNoContentRange
	}
	total, err := parseContentRangeTotal(contentRange)
	if err != nil {
		return Metadata{}, err
	}
	io.CopyN(io.Discard, resp.Body, probeBytes+1)
	cancel()
	return Metadata{SupportsRanges: true, ContentLength: total}, nil
}

func parseLength(value string) int64 {
	if value == "" {
		return UnknownLength
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return UnknownLength
	}
	return n
}

// parseContentRangeTotal reads the size suffix of "bytes 0-99/1234".
func parseContentRangeTotal(value string) (int64, error) {
	idx := strings.LastIndex(value, "/")
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadContentRange, value)
	}
	suffix := strings.TrimSpace(value[idx+1:])
	if suffix == "*" {
		return UnknownLength, nil
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadContentRange, value)
	}
	return n, nil
}

// isTerminal reports errors a second attempt cannot fix.
func isTerminal(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}
