// Package mediasend turns one classified outbound media item into a
// protocol action send, enforcing a path-policy allowlist and trying
// transport candidates in order until one succeeds (spec §4.11), grounded
// on zalo's protocol/send.go ordered-attempt-list pattern and
// internal/channels/telegram/media.go's upload candidate selection.
package mediasend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/delivery"
	"github.com/openclaw/qq-gateway/internal/outbound"
)

// ErrPathOutsideAllowlist is returned when a local source resolves outside
// every permitted root (spec §4.11 error code path_outside_allowlist).
var ErrPathOutsideAllowlist = fmt.Errorf("mediasend: path_outside_allowlist")

// Sender is the transport seam mediasend calls into for each candidate.
type Sender interface {
	// SendSegment performs one send attempt of the given OneBot media
	// segment kind against an already-resolved source string.
	SendSegment(ctx context.Context, route string, kind outbound.MediaKind, source string) error
	// StreamUpload attempts the stream-upload action first, per
	// streamTransportPrefer=stream-first; returns ok=false to fall through.
	StreamUpload(ctx context.Context, route string, kind outbound.MediaKind, localPath string) (ok bool, err error)
}

// OnSent is invoked once per successful send (conversation log + usage bump).
type OnSent func(route string, item outbound.Media)

// Policy bundles the path-allowlist roots a local source must resolve
// under.
type Policy struct {
	WorkspaceRoot string
	VoiceBasePath string
	Allowlist     []string
}

// allowedRoots returns the canonical roots a candidate path must fall
// under (spec §4.11: workspace root, workspace/skills, workspace/qq_sessions,
// configured voice base, mediaPathAllowlist).
func (p Policy) allowedRoots() []string {
	roots := []string{
		p.WorkspaceRoot,
		filepath.Join(p.WorkspaceRoot, "skills"),
		filepath.Join(p.WorkspaceRoot, "qq_sessions"),
	}
	if p.VoiceBasePath != "" {
		roots = append(roots, p.VoiceBasePath)
	}
	roots = append(roots, p.Allowlist...)
	return roots
}

// CheckPath canonicalizes path and verifies it resolves under an allowed
// root, rejecting with ErrPathOutsideAllowlist otherwise.
func (p Policy) CheckPath(path string) error {
	real, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("mediasend: resolve path: %w", err)
	}
	real = filepath.Clean(real)
	for _, root := range p.allowedRoots() {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootAbs = filepath.Clean(rootAbs)
		if real == rootAbs || strings.HasPrefix(real, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrPathOutsideAllowlist
}

// RelaySigner mints a short-lived signed URL serving a local file over
// HTTP, so a stream-upload-incapable endpoint can fetch media directly
// (spec §4.11 "HTTP relay URL ... signed HMAC URL with 5-min TTL").
type RelaySigner struct {
	Host  string
	Port  int
	Path  string
	Token string
	TTL   time.Duration
}

// Sign produces a relay URL for localPath, valid until now+TTL.
func (r RelaySigner) Sign(localPath string, now time.Time) string {
	exp := now.Add(r.TTL).Unix()
	name := filepath.Base(localPath)
	payload := fmt.Sprintf("%s:%d", name, exp)
	mac := hmac.New(sha256.New, []byte(r.Token))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("http://%s:%d%s/%s?exp=%d&sig=%s", r.Host, r.Port, r.Path, name, exp, sig)
}

// Verify checks a relay request's expiry and signature.
func (r RelaySigner) Verify(name string, expParam, sigParam string, now time.Time) bool {
	exp, err := strconv.ParseInt(expParam, 10, 64)
	if err != nil || now.Unix() > exp {
		return false
	}
	payload := fmt.Sprintf("%s:%d", name, exp)
	mac := hmac.New(sha256.New, []byte(r.Token))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sigParam))
}

// Candidate is one ordered transport attempt for a media item.
type candidate struct {
	label string
	send  func(ctx context.Context) error
}

// SendItem builds the ordered candidate list per streamTransportPrefer and
// pushes one delivery.Task whose Send tries each candidate in turn, calling
// onSent on the first success (spec §4.11 steps 3-4).
func SendItem(ctx context.Context, queue *delivery.Queue, sender Sender, policy Policy, signer *RelaySigner, streamEnabled bool, prefer config.StreamTransportPrefer, route, dispatchID string, item outbound.Media, preflight delivery.PreflightFunc, onSent OnSent) error {
	isLocal := strings.HasPrefix(item.Source, "/") || strings.HasPrefix(item.Source, "file://")
	localPath := strings.TrimPrefix(item.Source, "file://")
	if isLocal {
		if err := policy.CheckPath(localPath); err != nil {
			return err
		}
	}

	var candidates []candidate
	if streamEnabled && isLocal && prefer == config.StreamFirst {
		candidates = append(candidates, candidate{
			label: "stream",
			send: func(ctx context.Context) error {
				ok, err := sender.StreamUpload(ctx, route, item.Kind, localPath)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("mediasend: stream upload declined")
				}
				return nil
			},
		})
	}
	if isLocal && signer != nil {
		relayURL := signer.Sign(localPath, time.Now())
		candidates = append(candidates, candidate{label: "http-relay", send: func(ctx context.Context) error {
			return sender.SendSegment(ctx, route, item.Kind, relayURL)
		}})
	}
	candidates = append(candidates, candidate{label: "raw-url", send: func(ctx context.Context) error {
		return sender.SendSegment(ctx, route, item.Kind, item.Source)
	}})
	if isLocal {
		candidates = append(candidates, candidate{label: "base64", send: func(ctx context.Context) error {
			data, err := os.ReadFile(localPath)
			if err != nil {
				return err
			}
			return sender.SendSegment(ctx, route, item.Kind, "base64://"+base64.StdEncoding.EncodeToString(data))
		}})
	}

	dedupKey := fmt.Sprintf("%s:%s", dispatchID, item.Source)
	queue.Push(delivery.Task{
		MediaDedupKey: dedupKey,
		Preflight:     preflight,
		Send: func(ctx context.Context) error {
			var lastErr error
			for _, c := range candidates {
				if err := c.send(ctx); err == nil {
					if onSent != nil {
						onSent(route, item)
					}
					return nil
				} else {
					lastErr = err
				}
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("mediasend: no candidates available")
			}
			return lastErr
		},
	})
	return nil
}

// CleanupTransient removes generated transient sources (e.g. voice-*.wav
// under a tmp directory) after a successful send, per spec §4.11.
func CleanupTransient(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, "voice-") && strings.HasSuffix(base, ".wav") {
		_ = os.Remove(path)
	}
}
