package materialize

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/qq-gateway/internal/mediaresolve"
)

func TestSniff_Magic(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0}
	if got := sniff(png, ""); got != "image/png" {
		t.Fatalf("got %s", got)
	}
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if got := sniff(jpeg, ""); got != "image/jpeg" {
		t.Fatalf("got %s", got)
	}
	text := []byte("hello world, this is plain text")
	if got := sniff(text, ""); got != "text/plain" {
		t.Fatalf("got %s", got)
	}
}

func TestSniff_FallsBackToNameHint(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03}
	if got := sniff(data, "clip.mp3"); got != "audio/mpeg" {
		t.Fatalf("got %s", got)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"hello world.png":  "hello_world",
		"":                 "media",
		"../../etc/passwd": "passwd",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaterialize_FileCandidate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	destDir := filepath.Join(dir, "dest")
	ref := mediaresolve.InboundMediaRef{
		SegmentKind: "file",
		NameHint:    "note.txt",
		Candidates:  []mediaresolve.Candidate{{Kind: mediaresolve.CandFile, URL: "file://" + src}},
	}
	m := New(nil)
	res, err := m.Materialize(context.Background(), ref, destDir, time.Second, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Materialized {
		t.Fatalf("expected materialized result, got %+v", res)
	}
	if res.Deduped {
		t.Fatal("first write should not be marked deduped")
	}
	if res.NameSource != NameFromHint || res.ExtSource != ExtOriginal {
		t.Fatalf("expected hint-derived name/ext, got %+v", res)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("materialized file mismatch: %v %q", err, data)
	}
}

func TestMaterialize_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandFile, URL: "file://" + filepath.Join(dir, "missing.bin")}},
	}
	m := New(nil)
	res, err := m.Materialize(context.Background(), ref, filepath.Join(dir, "dest"), time.Second, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Materialized {
		t.Fatal("expected unmaterialized result")
	}
	if res.ErrorCode != ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound, got %q", res.ErrorCode)
	}
}

func TestMaterialize_DedupBySameContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	os.WriteFile(src, []byte("same-bytes"), 0o644)
	destDir := filepath.Join(dir, "dest")
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandFile, URL: "file://" + src}},
	}
	m := New(nil)
	r1, err := m.Materialize(context.Background(), ref, destDir, time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m.Materialize(context.Background(), ref, destDir, time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !r2.Deduped || r2.Path != r1.Path {
		t.Fatalf("expected dedup hit, got %+v", r2)
	}
	if r2.ErrorCode != ErrDuplicatePayload {
		t.Fatalf("expected duplicate_payload code, got %q", r2.ErrorCode)
	}
}

func TestMaterialize_Base64Candidate(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("abc123"))
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandBase64, Data: payload}},
	}
	m := New(nil)
	destDir := t.TempDir()
	res, err := m.Materialize(context.Background(), ref, destDir, time.Second, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "abc123" {
		t.Fatalf("got %q", data)
	}
}

type fakeDoer struct {
	status int
	body   []byte
	calls  int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func TestMaterialize_HTTPCandidate(t *testing.T) {
	doer := &fakeDoer{status: http.StatusOK, body: []byte{0x89, 'P', 'N', 'G', 0}}
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandHTTP, URL: "https://example.invalid/a.png"}},
	}
	m := New(doer)
	destDir := t.TempDir()
	res, err := m.Materialize(context.Background(), ref, destDir, time.Second, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ContentType != "image/png" {
		t.Fatalf("got content type %s", res.ContentType)
	}
	if res.RetryCount != 0 {
		t.Fatalf("expected no retries on first-attempt success, got %d", res.RetryCount)
	}
	if doer.calls != 1 {
		t.Fatalf("expected single successful call, got %d", doer.calls)
	}
}

// TestMaterialize_HTTPFailed_ZeroRetries covers spec §8's named boundary:
// inboundMediaHttpRetries=0 must make exactly one attempt and report
// materialize_http_failed with retryCount=0.
func TestMaterialize_HTTPFailed_ZeroRetries(t *testing.T) {
	doer := &fakeDoer{status: http.StatusInternalServerError}
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandHTTP, URL: "https://example.invalid/a.png"}},
	}
	m := New(doer)
	res, err := m.Materialize(context.Background(), ref, t.TempDir(), time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Materialized {
		t.Fatal("expected unmaterialized result")
	}
	if res.ErrorCode != ErrHTTPFailed {
		t.Fatalf("expected materialize_http_failed, got %q", res.ErrorCode)
	}
	if res.RetryCount != 0 {
		t.Fatalf("expected retryCount=0, got %d", res.RetryCount)
	}
	if doer.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", doer.calls)
	}
}

func TestMaterialize_AllCandidatesFail(t *testing.T) {
	doer := &fakeDoer{status: http.StatusNotFound}
	ref := mediaresolve.InboundMediaRef{
		Candidates: []mediaresolve.Candidate{{Kind: mediaresolve.CandHTTP, URL: "https://example.invalid/missing.png"}},
	}
	m := New(doer)
	res, err := m.Materialize(context.Background(), ref, t.TempDir(), time.Millisecond*10, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Materialized {
		t.Fatal("expected unmaterialized result")
	}
	if res.ErrorCode != ErrHTTPFailed {
		t.Fatalf("expected ErrHTTPFailed, got %q", res.ErrorCode)
	}
	if res.RetryCount != 2 {
		t.Fatalf("expected retryCount=2 (2 retries after the first attempt), got %d", res.RetryCount)
	}
	if doer.calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", doer.calls)
	}
}
