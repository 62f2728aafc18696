// Package fetcher downloads a single HTTP resource (a whole MP4 or one HLS
// segment) to a local file, with byte-range resumption, cancellation, and
// progress reporting. Retry policy is the runner's responsibility.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// UnknownTotal signals that the resource's total size could not be
// determined before streaming began.
const UnknownTotal int64 = -1

// ErrorKind classifies why a fetch failed, mirroring the taxonomy the
// runner dispatches on.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindCancelled
	KindTimeout
	KindConnectionReset
	KindHTTPStatus
)

// Error is the structured error returned by Fetch.
type Error struct {
	Kind             ErrorKind
	StatusCode       int
	PartialPreserved bool
	Err              error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCancelled:
		return "fetch cancelled"
	case KindTimeout:
		return fmt.Sprintf("fetch timeout: %v", e.Err)
	case KindConnectionReset:
		return fmt.Sprintf("connection reset: %v", e.Err)
	case KindHTTPStatus:
		return fmt.Sprintf("unexpected http status %d", e.StatusCode)
	default:
		return fmt.Sprintf("fetch failed: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsCancelled reports whether err is a fetch cancellation.
func IsCancelled(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindCancelled
}

// HTTPStatus extracts the status code from an HttpStatus error, if any.
func HTTPStatus(err error) (int, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindHTTPStatus {
		return fe.StatusCode, true
	}
	return 0, false
}

// sharedClient is the process-wide HTTP client, mirroring the teacher's
// single shared client rather than one per request.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 5 * time.Minute,
	},
}

// Client returns the shared HTTP client used by the fetcher and the
// manifest resolver.
func Client() *http.Client {
	return sharedClient
}

// ProgressFunc is invoked as bytes are received. total is UnknownTotal if
// the server did not report a content length.
type ProgressFunc func(received, total int64)

// Options configure a single fetch.
type Options struct {
	// RangeFrom requests the resource starting at this byte offset. Zero
	// means no range header is sent.
	RangeFrom int64

	OnProgress ProgressFunc
}

// Fetch streams url to destPath. It returns nil on success and an *Error
// otherwise; byte counts are reported only through Options.OnProgress.
func Fetch(ctx context.Context, url, destPath string, opts Options) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: KindOther, Err: fmt.Errorf("build request: %w", err)}
	}

	rangeRequested := opts.RangeFrom > 0
	if rangeRequested {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", opts.RangeFrom))
	}

	resp, err := sharedClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, PartialPreserved: true}
	}

	// Server did not honor our range request: truncate and restart from zero.
	truncate := rangeRequested && resp.StatusCode == http.StatusOK
	openFlags := os.O_CREATE | os.O_WRONLY
	if rangeRequested && !truncate {
		openFlags |= os.O_APPEND
	} else {
		openFlags |= os.O_TRUNC
	}

	file, err := os.OpenFile(destPath, openFlags, 0o644)
	if err != nil {
		return &Error{Kind: KindOther, Err: fmt.Errorf("open destination: %w", err)}
	}
	defer file.Close()

	total := UnknownTotal
	if resp.ContentLength >= 0 {
		total = resp.ContentLength
		if !truncate {
			total += opts.RangeFrom
		}
	}

	received := int64(0)
	if !truncate {
		received = opts.RangeFrom
	}

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, PartialPreserved: true, Err: err}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return &Error{Kind: KindOther, PartialPreserved: true, Err: fmt.Errorf("write segment: %w", writeErr)}
			}
			received += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(received, total)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return classifyTransportError(ctx, readErr)
		}
	}
}

func classifyTransportError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: KindCancelled, PartialPreserved: true, Err: ctx.Err()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, PartialPreserved: true, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnectionReset, PartialPreserved: true, Err: err}
	}

	return &Error{Kind: KindOther, PartialPreserved: true, Err: err}
}
