// Package download implements the concurrent fetch engine: mirror
// selection (including S3-backed mirrors), retry/backoff for transient
// failures, conditional GET, and the success/failure result shape the
// acquisition pipeline consumes.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
)

// Mirror is a URL prefix plus optional auth credentials that a Request's
// path_suffix is resolved against.
type Mirror struct {
	Name    string
	BaseURL string
	Headers map[string]string
}

// Result is the success-callback payload.
type Result struct {
	EffectiveURL   string
	HTTPStatus     int
	ETag           string
	LastModified   string
	CacheControl   string
	DownloadedSize int64
}

// Request is one download job.
type Request struct {
	ID            string
	Mirrors       []Mirror
	PathSuffix    string
	OutPath       string
	HeadOnly      bool
	IgnoreFailure bool
	ETag          string
	LastModified  string
}

// NotModified is returned by Do when the server answers 304.
var NotModified = fmt.Errorf("download: not modified")

// ErrorKind classifies a failed transfer.
type ErrorKind int

const (
	// Transient failures (connection errors, 5xx, 429) have already been
	// retried with backoff by the time they surface.
	Transient ErrorKind = iota
	// Permanent failures (404, 403) will not succeed on retry.
	Permanent
	// Cancelled transfers were aborted by the process-wide interruption
	// flag or the request context.
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// TransferError is a failed transfer with its classification, so callers
// can distinguish a dead URL from a flaky network from a user interrupt.
type TransferError struct {
	URL    string
	Status int
	Kind   ErrorKind
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download: %s: %s (HTTP %d)", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("download: %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized, http.StatusGone:
		return Permanent
	default:
		return Transient
	}
}

// Engine is the process-wide download engine. It is safe for concurrent use
// by multiple goroutines.
type Engine struct {
	log         *slog.Logger
	client      *retryablehttp.Client
	maxParallel int
	semaphore   chan struct{}
	cancelled   atomic.Bool

	mu         sync.Mutex
	mirrorNext map[string]int // next mirror index per request group, for round-robin

	s3Mirrors map[string]*S3Mirror // keyed by bucket name
}

// RegisterS3Mirror routes any request whose mirror BaseURL is
// "s3://bucket/..." through m instead of over HTTP(S), for requests naming
// that bucket.
func (e *Engine) RegisterS3Mirror(bucket string, m *S3Mirror) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s3Mirrors == nil {
		e.s3Mirrors = make(map[string]*S3Mirror)
	}
	e.s3Mirrors[bucket] = m
}

func (e *Engine) s3MirrorFor(bucket string) (*S3Mirror, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.s3Mirrors[bucket]
	return m, ok
}

// New creates an Engine with the given concurrency limit. log receives
// retry attempts at debug level.
func New(log *slog.Logger, maxParallel int) *Engine {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Debug("download: retrying", slog.String("url", req.URL.String()), slog.Int("attempt", attempt))
		}
	}
	return &Engine{
		log:         log,
		client:      rc,
		maxParallel: maxParallel,
		semaphore:   make(chan struct{}, maxParallel),
		mirrorNext:  make(map[string]int),
	}
}

// Cancel raises the process-wide interruption flag; in-flight transfers
// observe it at their next read and abort.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

func (e *Engine) nextMirror(req Request) Mirror {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.mirrorNext[req.ID] % len(req.Mirrors)
	e.mirrorNext[req.ID] = idx + 1
	return req.Mirrors[idx]
}

// Do executes one request, selecting a mirror, issuing conditional headers
// from ETag/LastModified, and retrying transient failures with backoff
// (handled internally by retryablehttp). It returns NotModified wrapped as
// an error when the server responds 304.
func (e *Engine) Do(ctx context.Context, req Request) (Result, error) {
	if e.cancelled.Load() {
		return Result{}, &TransferError{URL: req.PathSuffix, Kind: Cancelled, Err: context.Canceled}
	}

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if len(req.Mirrors) == 0 {
		return Result{}, fmt.Errorf("download: request %s has no mirrors", req.ID)
	}
	mirror := e.nextMirror(req)
	if bucket, keyPrefix, ok := ParseS3ChannelURL(mirror.BaseURL); ok {
		s3m, registered := e.s3MirrorFor(bucket)
		if !registered {
			return Result{}, fmt.Errorf("download: no S3 mirror registered for bucket %q", bucket)
		}
		return e.doS3(ctx, s3m, keyPrefix, req)
	}
	targetURL := strings.TrimRight(mirror.BaseURL, "/") + "/" + strings.TrimLeft(req.PathSuffix, "/")

	method := http.MethodGet
	if req.HeadOnly {
		method = http.MethodHead
	}
	rreq, err := retryablehttp.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("download: building request for %s: %w", targetURL, err)
	}
	for k, v := range mirror.Headers {
		rreq.Header.Set(k, v)
	}
	if req.ETag != "" {
		rreq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		rreq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := e.client.Do(rreq)
	if err != nil {
		return Result{}, &TransferError{URL: targetURL, Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	result := Result{
		EffectiveURL: resp.Request.URL.String(),
		HTTPStatus:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}

	if resp.StatusCode == http.StatusNotModified {
		return result, NotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &TransferError{URL: targetURL, Status: resp.StatusCode, Kind: classifyStatus(resp.StatusCode)}
	}
	if req.HeadOnly {
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		return result, fmt.Errorf("download: creating parent of %s: %w", req.OutPath, err)
	}
	tmp := req.OutPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return result, fmt.Errorf("download: creating %s: %w", tmp, err)
	}
	n, err := io.Copy(out, &cancellableReader{r: resp.Body, cancelled: &e.cancelled})
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		if err == context.Canceled {
			return result, &TransferError{URL: targetURL, Kind: Cancelled, Err: err}
		}
		return result, &TransferError{URL: targetURL, Kind: Transient, Err: err}
	}
	if closeErr != nil {
		os.Remove(tmp)
		return result, fmt.Errorf("download: closing %s: %w", tmp, closeErr)
	}
	if err := os.Rename(tmp, req.OutPath); err != nil {
		os.Remove(tmp)
		return result, fmt.Errorf("download: renaming %s to %s: %w", tmp, req.OutPath, err)
	}
	result.DownloadedSize = n
	return result, nil
}

// doS3 fulfils req against an S3-backed mirror instead of over HTTP(S),
// joining keyPrefix (taken from the s3:// channel URL) with the request's
// own path suffix.
func (e *Engine) doS3(ctx context.Context, m *S3Mirror, keyPrefix string, req Request) (Result, error) {
	fullSuffix := path.Join(keyPrefix, req.PathSuffix)
	if req.HeadOnly {
		return m.Head(ctx, fullSuffix)
	}
	res, err := m.Fetch(ctx, fullSuffix, req.OutPath)
	if err != nil {
		return res, err
	}
	return res, nil
}

// cancellableReader polls the engine's interruption flag on every read,
// applied here to the transfer loop itself so a cancelled download aborts
// mid-stream rather than only between requests.
type cancellableReader struct {
	r         io.Reader
	cancelled *atomic.Bool
}

func (c *cancellableReader) Read(p []byte) (int, error) {
	if c.cancelled.Load() {
		return 0, context.Canceled
	}
	return c.r.Read(p)
}

// MaxAgeFromCacheControl extracts the max-age directive from a
// Cache-Control header value, defaulting to 3600 seconds when absent or
// malformed.
func MaxAgeFromCacheControl(cacheControl string) int {
	const defaultMaxAge = 3600
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(part, "max-age="))
		if err != nil {
			return defaultMaxAge
		}
		return n
	}
	return defaultMaxAge
}
