// Package mediaresolve collects inbound media candidate sources from
// message segments, probes protocol actions in a priority sequence, and
// falls back to a full message refetch (spec §4.3), grounded on the
// teacher's per-kind media resolution shape
// (internal/channels/telegram/media.go) generalized to OneBot's
// action-probe model.
package mediaresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/pkg/qqwire"
)

// CandidateKind is the explicit tagged variant for a resolved candidate
// (spec §9 "Duck-typed action results → tagged candidate records").
type CandidateKind string

const (
	CandHTTP    CandidateKind = "http"
	CandFile    CandidateKind = "file"
	CandBase64  CandidateKind = "base64"
	CandData    CandidateKind = "data"
	CandStream  CandidateKind = "stream"
	CandUnknown CandidateKind = "unknown"
)

// Candidate is one resolved source location for a media ref.
type Candidate struct {
	Kind CandidateKind
	URL  string // for http/file/stream
	Data string // for base64/data (raw payload or data: URI body)
}

// InboundMediaRef is one media-bearing segment awaiting resolution.
type InboundMediaRef struct {
	SegmentKind string // "image" | "video" | "record" | "file"
	NameHint    string
	Candidates  []Candidate
	Position    int
}

// ActionRunner probes a protocol action (e.g. get_image) for a segment
// field. Kept as an interface so resolution doesn't depend on the
// transport package directly.
type ActionRunner interface {
	SendAction(ctx context.Context, action string, params interface{}) (*qqwire.ActionResponse, error)
}

// MsgFetcher fetches a full message by id for the fallback path.
type MsgFetcher interface {
	GetMsg(ctx context.Context, msgID int64) ([]qqwire.Segment, error)
}

var actionByKind = map[string]string{
	"image":  qqwire.ActionGetImage,
	"record": qqwire.ActionGetRecord,
	"video":  qqwire.ActionGetFile,
	"file":   qqwire.ActionGetFile,
}

// segmentFieldOrder lists the normalized segment fields consulted for
// candidate sources, in spec §4.3 priority order.
var segmentFieldOrder = []string{"url", "src", "download_url", "file", "path", "file_path", "local_path", "temp_file"}

// Collect builds the InboundMediaRef set for a message's segments, bounded
// by inboundMediaMaxPerMessage (spec §4.3).
func Collect(segments []qqwire.Segment, cfg *config.Config) []InboundMediaRef {
	var refs []InboundMediaRef
	for i, seg := range segments {
		if !isMediaKind(seg.Type) {
			continue
		}
		if len(refs) >= cfg.InboundMediaMaxPerMessage {
			break
		}
		refs = append(refs, InboundMediaRef{
			SegmentKind: seg.Type,
			NameHint:    firstNonEmpty(seg.String("name"), seg.String("file")),
			Candidates:  segmentCandidates(seg),
			Position:    i,
		})
	}
	return refs
}

func isMediaKind(t string) bool {
	switch t {
	case "image", "video", "record", "file":
		return true
	default:
		return false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func segmentCandidates(seg qqwire.Segment) []Candidate {
	var out []Candidate
	for _, field := range segmentFieldOrder {
		v := seg.String(field)
		if v == "" {
			continue
		}
		out = append(out, classify(v))
	}
	if b64 := seg.String("base64"); b64 != "" {
		out = append(out, Candidate{Kind: CandBase64, Data: b64})
	}
	if data := seg.String("data"); strings.HasPrefix(data, "data:") {
		out = append(out, Candidate{Kind: CandData, Data: data})
	}
	return out
}

func classify(v string) Candidate {
	switch {
	case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
		return Candidate{Kind: CandHTTP, URL: v}
	case strings.HasPrefix(v, "stream://"):
		return Candidate{Kind: CandStream, URL: v}
	case strings.HasPrefix(v, "file://"):
		return Candidate{Kind: CandFile, URL: v}
	case strings.HasPrefix(v, "base64://"):
		return Candidate{Kind: CandBase64, Data: strings.TrimPrefix(v, "base64://")}
	case strings.HasPrefix(v, "data:"):
		return Candidate{Kind: CandData, Data: v}
	default:
		// Bare paths (no scheme) are treated as local file paths.
		if strings.HasPrefix(v, "/") {
			return Candidate{Kind: CandFile, URL: "file://" + v}
		}
		return Candidate{Kind: CandUnknown, URL: v}
	}
}

// onlyFileOrEmpty reports whether a candidate set is empty or entirely
// file:// (likely unreadable from this process) — the fallback trigger
// condition of spec §4.3.
func onlyFileOrEmpty(cands []Candidate) bool {
	if len(cands) == 0 {
		return true
	}
	for _, c := range cands {
		if c.Kind != CandFile {
			return false
		}
	}
	return true
}

// Resolve probes protocol actions for each ref in the configured order
// and merges action-returned locations with segment-field candidates.
// If prefer is direct-first, segment fields are tried before action probes.
func Resolve(ctx context.Context, runner ActionRunner, refs []InboundMediaRef, prefer config.MediaResolvePrefer) []InboundMediaRef {
	for i := range refs {
		ref := &refs[i]
		action, ok := actionByKind[ref.SegmentKind]
		if !ok || runner == nil {
			continue
		}
		probe := func() {
			resp, err := runner.SendAction(ctx, action, map[string]string{"file": ref.NameHint})
			if err != nil || resp == nil || resp.Status != qqwire.StatusOK {
				return
			}
			var data map[string]string
			if json.Unmarshal(resp.Data, &data) != nil {
				return
			}
			for _, key := range []string{"url", "file", "base64"} {
				if v := data[key]; v != "" {
					ref.Candidates = append([]Candidate{classify(v)}, ref.Candidates...)
					return
				}
			}
		}
		if prefer == config.ResolveDirectFirst {
			if onlyFileOrEmpty(ref.Candidates) {
				probe()
			}
		} else {
			probe()
		}
	}
	return refs
}

// Fallback re-requests the full message and retries resolution for refs
// that remain empty/file-only, matching reloaded segments by kind and
// position (spec §4.3 "Fallback").
func Fallback(ctx context.Context, fetcher MsgFetcher, msgID int64, refs []InboundMediaRef) ([]InboundMediaRef, error) {
	needsFallback := false
	for _, r := range refs {
		if onlyFileOrEmpty(r.Candidates) {
			needsFallback = true
			break
		}
	}
	if !needsFallback || fetcher == nil || msgID == 0 {
		return refs, nil
	}

	segs, err := fetcher.GetMsg(ctx, msgID)
	if err != nil {
		return refs, fmt.Errorf("mediaresolve: fallback get_msg: %w", err)
	}

	// Pool reloaded segments by kind for position-matching.
	byKind := map[string][]qqwire.Segment{}
	for _, s := range segs {
		if isMediaKind(s.Type) {
			byKind[s.Type] = append(byKind[s.Type], s)
		}
	}
	used := map[string]int{}
	for i := range refs {
		if !onlyFileOrEmpty(refs[i].Candidates) {
			continue
		}
		pool := byKind[refs[i].SegmentKind]
		idx := used[refs[i].SegmentKind]
		if idx >= len(pool) {
			continue
		}
		used[refs[i].SegmentKind]++
		refs[i].Candidates = segmentCandidates(pool[idx])
	}
	return refs, nil
}
