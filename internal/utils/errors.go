package utils

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Error kinds reported by parts and sessions.
const (
	KindOptions     = "OptionsError"
	KindAuth        = "AuthError"
	KindFetch       = "FetchError"
	KindMerge       = "MergeError"
	KindTimeout     = "TimeoutError"
	KindDNS         = "DNSError"
	KindConnReset   = "ConnResetError"
	KindConnRefused = "ConnRefusedError"
	KindStream      = "StreamError"
	KindFile        = "FileError"
	KindStatus      = "StatusError"
	KindRange       = "RangeError"
	KindNetwork     = "NetworkError"
)

// ErrorKind names the class of a transport or file error. Cancellation has
// no kind since it is never a failure.
func ErrorKind(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	var dnsErr *net.DNSError
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNRESET):
		return KindConnReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnRefused
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindStream
	case errors.As(err, &pathErr):
		return KindFile
	}
	return KindNetwork
}
