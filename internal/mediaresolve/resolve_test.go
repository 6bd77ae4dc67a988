package mediaresolve

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/pkg/qqwire"
)

func cfgWithMax(max int) *config.Config {
	cfg := (&config.Config{InboundMediaMaxPerMessage: max}).WithDefaults()
	return cfg
}

func TestCollect_BoundsAndKinds(t *testing.T) {
	segs := []qqwire.Segment{
		{Type: "text", Data: map[string]string{"text": "hi"}},
		{Type: "image", Data: map[string]string{"url": "https://x/a.png"}},
		{Type: "record", Data: map[string]string{"file": "voice1"}},
		{Type: "image", Data: map[string]string{"url": "https://x/b.png"}},
	}
	refs := Collect(segs, cfgWithMax(2))
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs bounded by max, got %d", len(refs))
	}
	if refs[0].SegmentKind != "image" || refs[1].SegmentKind != "record" {
		t.Fatalf("unexpected kinds: %+v", refs)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]CandidateKind{
		"https://x/a.png":        CandHTTP,
		"http://x/a.png":         CandHTTP,
		"stream://abc":           CandStream,
		"file:///tmp/a.png":      CandFile,
		"/tmp/a.png":             CandFile,
		"base64://Zm9v":          CandBase64,
		"data:image/png;base64,": CandData,
		"weird-thing":            CandUnknown,
	}
	for in, want := range cases {
		if got := classify(in).Kind; got != want {
			t.Errorf("classify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSegmentCandidates_PriorityOrder(t *testing.T) {
	seg := qqwire.Segment{Type: "image", Data: map[string]string{
		"url":  "https://x/a.png",
		"file": "local-name",
	}}
	cands := segmentCandidates(seg)
	if len(cands) == 0 || cands[0].Kind != CandHTTP {
		t.Fatalf("expected url field first, got %+v", cands)
	}
}

type fakeRunner struct {
	resp *qqwire.ActionResponse
	err  error
	hits int
}

func (f *fakeRunner) SendAction(ctx context.Context, action string, params interface{}) (*qqwire.ActionResponse, error) {
	f.hits++
	return f.resp, f.err
}

func TestResolve_NapcatFirstProbesEvenWithCandidates(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"url": "https://resolved/x.png"})
	runner := &fakeRunner{resp: &qqwire.ActionResponse{Status: qqwire.StatusOK, Data: data}}
	refs := []InboundMediaRef{{SegmentKind: "image", Candidates: []Candidate{{Kind: CandFile, URL: "file:///tmp/a"}}}}
	out := Resolve(context.Background(), runner, refs, config.ResolveNapcatFirst)
	if runner.hits != 1 {
		t.Fatalf("expected probe to run, hits=%d", runner.hits)
	}
	if out[0].Candidates[0].Kind != CandHTTP || out[0].Candidates[0].URL != "https://resolved/x.png" {
		t.Fatalf("expected resolved candidate prepended, got %+v", out[0].Candidates)
	}
}

func TestResolve_DirectFirstSkipsProbeWhenHTTPCandidatePresent(t *testing.T) {
	runner := &fakeRunner{resp: &qqwire.ActionResponse{Status: qqwire.StatusOK}}
	refs := []InboundMediaRef{{SegmentKind: "image", Candidates: []Candidate{{Kind: CandHTTP, URL: "https://already/there.png"}}}}
	Resolve(context.Background(), runner, refs, config.ResolveDirectFirst)
	if runner.hits != 0 {
		t.Fatalf("expected no probe when a usable candidate already exists, hits=%d", runner.hits)
	}
}

type fakeFetcher struct {
	segs []qqwire.Segment
	err  error
}

func (f *fakeFetcher) GetMsg(ctx context.Context, msgID int64) ([]qqwire.Segment, error) {
	return f.segs, f.err
}

func TestFallback_FillsEmptyRefsFromRefetch(t *testing.T) {
	refs := []InboundMediaRef{{SegmentKind: "image"}}
	fetcher := &fakeFetcher{segs: []qqwire.Segment{
		{Type: "image", Data: map[string]string{"url": "https://refetched/a.png"}},
	}}
	out, err := Fallback(context.Background(), fetcher, 123, refs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out[0].Candidates) == 0 || out[0].Candidates[0].URL != "https://refetched/a.png" {
		t.Fatalf("expected fallback candidate, got %+v", out[0].Candidates)
	}
}

func TestFallback_NoopWhenRefsAlreadyResolved(t *testing.T) {
	refs := []InboundMediaRef{{SegmentKind: "image", Candidates: []Candidate{{Kind: CandHTTP, URL: "https://already/ok.png"}}}}
	fetcher := &fakeFetcher{}
	out, err := Fallback(context.Background(), fetcher, 123, refs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Candidates[0].URL != "https://already/ok.png" {
		t.Fatalf("expected ref untouched, got %+v", out[0].Candidates)
	}
}
