// Package materialize fetches a resolved media candidate (internal/mediaresolve)
// to local disk, sniffs its real content type, strips image metadata, and
// names it deterministically (spec §4.4), grounded on the teacher's
// downloadMedia retry/size-limit shape (internal/channels/telegram/media.go)
// generalized across file/base64/http sources.
package materialize

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/disintegration/imaging"
	"golang.org/x/text/unicode/norm"

	"github.com/openclaw/qq-gateway/internal/mediaresolve"
)

// ErrorCode is the subset of the spec §7 closed taxonomy a materialize
// attempt can produce.
type ErrorCode string

const (
	ErrHTTPFailed          ErrorCode = "materialize_http_failed"
	ErrEmptyPayload        ErrorCode = "materialize_empty_payload"
	ErrFileNotFound        ErrorCode = "file_not_found"
	ErrContainerUnreadable ErrorCode = "container_local_unreadable"
	ErrDuplicatePayload    ErrorCode = "duplicate_payload"
	ErrUnsupportedSource   ErrorCode = "unsupported_source"
)

// NameSource records which rule produced Result.OriginalFilename (spec §3).
type NameSource string

const (
	NameFromHint     NameSource = "hint"
	NameFromURL      NameSource = "url"
	NameFromDownload NameSource = "download"
	NameFallback     NameSource = "fallback"
)

// ExtSource records which rule produced the output file's extension (spec §3).
type ExtSource string

const (
	ExtOriginal   ExtSource = "original"
	ExtFromURL    ExtSource = "url"
	ExtFromBuffer ExtSource = "buffer"
	ExtFallback   ExtSource = "fallback"
)

// Result is one candidate's materialize outcome (spec §3 "Materialize result").
type Result struct {
	URL              string
	OutputURL        string
	Materialized     bool
	ErrorCode        ErrorCode
	HTTPStatus       int
	RetryCount       int
	OriginalFilename string
	FinalFilename    string
	NameSource       NameSource
	ExtSource        ExtSource

	// Path is OutputURL's filesystem form. Once Materialized is true,
	// ContentType names the media type of the stored file and SizeBytes the
	// length of the bytes written by this call (of the fetched payload on a
	// dedup hit). ContentHash is taken from the fetched payload, before any
	// image re-encode.
	Path        string
	ContentType string
	SizeBytes   int64
	ContentHash string // sha1 hex, used for dedup
	Deduped     bool   // true if this Materializer already wrote a payload with this hash into the dest dir
}

const (
	maxBytes      = 20 << 20
	httpRetryBase = 150 * time.Millisecond
)

// HTTPDoer is the subset of *http.Client Materializer depends on, so tests
// can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Materializer fetches candidates into destDir, deduping by content hash.
type Materializer struct {
	client HTTPDoer

	mu   sync.Mutex
	seen map[string]map[string]string // destDir -> hash -> existing path
}

// New builds a Materializer. client may be nil to use http.DefaultClient.
func New(client HTTPDoer) *Materializer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Materializer{client: client, seen: make(map[string]map[string]string)}
}

// Materialize fetches the first workable candidate of ref into destDir.
// retries is the exact number of HTTP retries after the first attempt — 0
// means exactly one attempt, no retry (spec §8 boundary case). It always
// returns a non-nil *Result; Result.Materialized is false and
// Result.ErrorCode names why when every candidate failed. The returned
// error is non-nil only for conditions outside the spec §7 taxonomy (e.g.
// the destination directory could not be created).
func (m *Materializer) Materialize(ctx context.Context, ref mediaresolve.InboundMediaRef, destDir string, timeout time.Duration, retries int) (*Result, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("materialize: create dest dir: %w", err)
	}

	var last *Result
	for _, cand := range ref.Candidates {
		data, partial, ok := m.fetchCandidate(ctx, cand, timeout, retries)
		if !ok {
			last = partial
			continue
		}
		return m.write(destDir, ref, data, cand.URL, partial)
	}
	if last == nil {
		last = &Result{ErrorCode: ErrUnsupportedSource}
	}
	return last, nil
}

func (m *Materializer) fetchCandidate(ctx context.Context, cand mediaresolve.Candidate, timeout time.Duration, retries int) (data []byte, partial *Result, ok bool) {
	switch cand.Kind {
	case mediaresolve.CandFile:
		path := strings.TrimPrefix(cand.URL, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			code := ErrContainerUnreadable
			if os.IsNotExist(err) {
				code = ErrFileNotFound
			}
			return nil, &Result{URL: cand.URL, ErrorCode: code}, false
		}
		return data, &Result{URL: cand.URL}, true
	case mediaresolve.CandBase64:
		data, err := base64.StdEncoding.DecodeString(cand.Data)
		if err != nil {
			return nil, &Result{URL: cand.URL, ErrorCode: ErrUnsupportedSource}, false
		}
		return data, &Result{URL: cand.URL}, true
	case mediaresolve.CandData:
		idx := strings.Index(cand.Data, ",")
		if idx < 0 {
			return nil, &Result{URL: cand.URL, ErrorCode: ErrUnsupportedSource}, false
		}
		data, err := base64.StdEncoding.DecodeString(cand.Data[idx+1:])
		if err != nil {
			return nil, &Result{URL: cand.URL, ErrorCode: ErrUnsupportedSource}, false
		}
		return data, &Result{URL: cand.URL}, true
	case mediaresolve.CandHTTP, mediaresolve.CandStream:
		data, status, retryCount, err := m.fetchHTTP(ctx, cand.URL, timeout, retries)
		if err != nil {
			return nil, &Result{URL: cand.URL, ErrorCode: ErrHTTPFailed, HTTPStatus: status, RetryCount: retryCount}, false
		}
		if len(data) == 0 {
			return nil, &Result{URL: cand.URL, ErrorCode: ErrEmptyPayload, HTTPStatus: status, RetryCount: retryCount}, false
		}
		return data, &Result{URL: cand.URL, HTTPStatus: status, RetryCount: retryCount}, true
	default:
		return nil, &Result{URL: cand.URL, ErrorCode: ErrUnsupportedSource}, false
	}
}

// fetchHTTP makes exactly retries+1 attempts (retries==0 means one attempt,
// no retry — spec §8) with a 150ms × attempt linear backoff between
// attempts (spec §4.4).
func (m *Materializer) fetchHTTP(ctx context.Context, url string, timeout time.Duration, retries int) (data []byte, status int, retryCount int, err error) {
	maxAttempts := retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, lastStatus, lastErr = m.fetchHTTPOnce(ctx, url, timeout)
		if lastErr == nil {
			return data, lastStatus, attempt - 1, nil
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, lastStatus, attempt - 1, ctx.Err()
			case <-time.After(httpRetryBase * time.Duration(attempt)):
			}
		}
	}
	return nil, lastStatus, maxAttempts - 1, lastErr
}

func (m *Materializer) fetchHTTPOnce(ctx context.Context, url string, timeout time.Duration) (data []byte, status int, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("status %d", status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, status, err
	}
	if int64(len(body)) > maxBytes {
		return nil, status, fmt.Errorf("exceeds max size")
	}
	return body, status, nil
}

func (m *Materializer) write(destDir string, ref mediaresolve.InboundMediaRef, data []byte, sourceURL string, partial *Result) (*Result, error) {
	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	res := &Result{URL: sourceURL}
	if partial != nil {
		res.HTTPStatus = partial.HTTPStatus
		res.RetryCount = partial.RetryCount
	}

	m.mu.Lock()
	bucket, ok := m.seen[destDir]
	if !ok {
		bucket = make(map[string]string)
		m.seen[destDir] = bucket
	}
	if existing, ok := bucket[hash]; ok {
		m.mu.Unlock()
		res.Path = existing
		res.OutputURL = "file://" + existing
		res.Materialized = true
		res.Deduped = true
		res.ErrorCode = ErrDuplicatePayload
		res.ContentHash = hash
		res.SizeBytes = int64(len(data))
		res.ContentType = sniff(data, ref.NameHint)
		return res, nil
	}
	m.mu.Unlock()

	ct := sniff(data, ref.NameHint)
	if strings.HasPrefix(ct, "image/") {
		if reencoded, ok := sanitizeImage(data, ct); ok {
			data = reencoded
		}
	}

	originalName, nameSource := originalFilename(ref.NameHint, sourceURL)
	ext, extSource := extensionFor(ref.NameHint, sourceURL, ct)
	finalName := fmt.Sprintf("%d-%d-%s%s", time.Now().UnixMilli(), ref.Position, sanitizeName(originalName), ext)
	path := filepath.Join(destDir, finalName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("materialize: write %s: %w", path, err)
	}

	m.mu.Lock()
	m.seen[destDir][hash] = path
	m.mu.Unlock()

	res.Path = path
	res.OutputURL = "file://" + path
	res.Materialized = true
	res.ContentType = ct
	res.SizeBytes = int64(len(data))
	res.ContentHash = hash
	res.OriginalFilename = originalName
	res.FinalFilename = finalName
	res.NameSource = nameSource
	res.ExtSource = extSource
	return res, nil
}

// originalFilename picks a name hint per spec §4.4: an explicit segment
// name hint first, else the URL's basename, else a fallback.
func originalFilename(nameHint, sourceURL string) (string, NameSource) {
	if nameHint != "" {
		return nameHint, NameFromHint
	}
	if base := filepath.Base(stripQuery(sourceURL)); base != "" && base != "." && base != "/" {
		return base, NameFromURL
	}
	return "media", NameFallback
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// magic byte sniffing, ordered most to least specific.
var magicSigs = []struct {
	sig []byte
	ct  string
}{
	{[]byte{0x89, 'P', 'N', 'G'}, "image/png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
	{[]byte("RIFF"), "image/webp"}, // refined below (WEBP marker at offset 8)
	{[]byte{0x1A, 0x45, 0xDF, 0xA3}, "video/webm"},
	{[]byte("ftyp"), "video/mp4"}, // offset 4, checked specially
	{[]byte("ID3"), "audio/mpeg"},
	{[]byte("OggS"), "audio/ogg"},
	{[]byte("fLaC"), "audio/flac"},
	{[]byte{'P', 'K', 0x03, 0x04}, "application/zip"},
	{[]byte("%PDF"), "application/pdf"},
}

// sniff determines a content type from magic bytes, falling back to a
// text-shape heuristic and finally the name hint's extension (spec §4.4).
func sniff(data []byte, nameHint string) string {
	for _, sig := range magicSigs {
		if len(data) < len(sig.sig) {
			continue
		}
		if sig.ct == "video/mp4" {
			if len(data) >= 8 && string(data[4:8]) == "ftyp" {
				return "video/mp4"
			}
			continue
		}
		if sig.ct == "image/webp" {
			if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
				return "image/webp"
			}
			continue
		}
		if hasPrefix(data, sig.sig) {
			return sig.ct
		}
	}
	if looksLikeText(data) {
		return "text/plain"
	}
	if ext := strings.ToLower(filepath.Ext(nameHint)); ext != "" {
		if ct := extToMime[ext]; ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func hasPrefix(data, sig []byte) bool {
	if len(data) < len(sig) {
		return false
	}
	for i, b := range sig {
		if data[i] != b {
			return false
		}
	}
	return true
}

func looksLikeText(data []byte) bool {
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if len(sample) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if b < 0x09 || (b > 0x0D && b < 0x20) {
			nonPrintable++
		}
	}
	return nonPrintable*20 < len(sample)
}

var extToMime = map[string]string{
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".webp": "image/webp", ".mp4": "video/mp4",
	".mov": "video/quicktime", ".ogg": "audio/ogg", ".mp3": "audio/mpeg",
	".amr": "audio/amr", ".silk": "audio/silk", ".txt": "text/plain",
	".pdf": "application/pdf",
}

var mimeToExt = map[string]string{
	"image/png": ".png", "image/jpeg": ".jpg", "image/gif": ".gif",
	"image/webp": ".webp", "video/mp4": ".mp4", "video/webm": ".webm",
	"audio/mpeg": ".mp3", "audio/ogg": ".ogg", "audio/flac": ".flac",
	"application/pdf": ".pdf", "application/zip": ".zip",
}

// extensionFor implements spec §4.4's extension-inference order: explicit
// original-name extension, URL-inferred extension, buffer magic-byte
// sniffing (via ct, already resolved by sniff), fallback .bin.
func extensionFor(nameHint, sourceURL, ct string) (string, ExtSource) {
	if ext := filepath.Ext(nameHint); ext != "" {
		return strings.ToLower(ext), ExtOriginal
	}
	if ext := filepath.Ext(stripQuery(sourceURL)); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext), ExtFromURL
	}
	if ext := mimeToExt[ct]; ext != "" {
		return ext, ExtFromBuffer
	}
	return ".bin", ExtFallback
}

// sanitizeName NFKC-normalizes and strips filesystem-unsafe characters from
// a hinted filename, matching spec §4.4 "Filename sanitation".
func sanitizeName(raw string) string {
	base := strings.TrimSuffix(filepath.Base(raw), filepath.Ext(raw))
	if base == "" || base == "." {
		base = "media"
	}
	normalized := norm.NFKC.String(base)
	var b strings.Builder
	for _, r := range normalized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "media"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// sanitizeImage re-encodes an image through imaging to strip embedded
// metadata (EXIF GPS, camera serials) before it reaches the agent runtime
// or gets forwarded, matching the teacher's sanitizeImage call site
// (internal/channels/telegram/media.go) with a concrete implementation.
func sanitizeImage(data []byte, contentType string) ([]byte, bool) {
	var format imaging.Format
	switch contentType {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	case "image/gif":
		format = imaging.GIF
	default:
		return nil, false
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(90)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
