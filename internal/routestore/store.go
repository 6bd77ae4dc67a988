// Package routestore persists per-route metadata, usage counters, and
// conversation state as JSON files under the layout spec §6 names
// (<workspace>/qq_sessions/<route-dir>/...), following the teacher's
// sessions.Manager JSON-file persistence idiom.
package routestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/qq-gateway/internal/routing"
)

// DispatcherRules mirrors spec §3 "Route metadata" dispatcherRules.
type DispatcherRules struct {
	HeavyTaskDelegation  bool `json:"heavyTaskDelegation"`
	AckThenAsyncResult   bool `json:"ackThenAsyncResult"`
	IdempotencyRequired  bool `json:"idempotencyRequired"`
	StrictRouteIsolation bool `json:"strictRouteIsolation"`
}

// Capabilities mirrors spec §3 "Route metadata" capabilities.
type Capabilities struct {
	SendText      bool     `json:"sendText"`
	SendMedia     bool     `json:"sendMedia"`
	SendVoice     bool     `json:"sendVoice"`
	Skills        []string `json:"skills,omitempty"`
	MaxSendText   *int     `json:"maxSendText,omitempty"`
	MaxSendMedia  *int     `json:"maxSendMedia,omitempty"`
	MaxSendVoice  *int     `json:"maxSendVoice,omitempty"`
}

// Meta is the per-route metadata record (spec §3 "Route metadata").
type Meta struct {
	AgentID           string           `json:"agentId"`
	Route             string           `json:"route"`
	AccountID         string           `json:"accountId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	BoundToMain       bool             `json:"boundToMain,omitempty"`
	OrchestrationMode string           `json:"orchestrationMode,omitempty"`
	DispatcherRules   DispatcherRules  `json:"dispatcherRules"`
	Capabilities      Capabilities     `json:"capabilities"`
}

// Usage mirrors spec §3 "Route usage".
type Usage struct {
	DispatchCount  int64     `json:"dispatchCount"`
	SendTextCount  int64     `json:"sendTextCount"`
	SendMediaCount int64     `json:"sendMediaCount"`
	SendVoiceCount int64     `json:"sendVoiceCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Mood is the closed set of conversation moods (spec §3 "Conversation state").
type Mood string

const (
	MoodNeutral Mood = "neutral"
	MoodCold    Mood = "cold"
	MoodAnnoyed Mood = "annoyed"
	MoodTired   Mood = "tired"
)

// ImageWindow duration for the outbound image quota (spec §3).
const ImageWindow = 2 * time.Hour

// ImageWindowMax is the max outbound images per ImageWindow per route.
const ImageWindowMax = 5

// State mirrors spec §3 "Conversation state".
type State struct {
	Affinity           int       `json:"affinity"`
	Mood               Mood      `json:"mood"`
	BanterCount        int       `json:"banterCount"`
	ImageWindowStartMs int64     `json:"imageWindowStartMs"`
	ImageCountInWindow int       `json:"imageCountInWindow"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
}

// clampAffinity clamps an integer to [-100, 100] (affinity bound, spec §3).
func clampAffinity(v int) int {
	if v > 100 {
		return 100
	}
	if v < -100 {
		return -100
	}
	return v
}

// Store manages on-disk route state under a workspace root.
type Store struct {
	workspace string
	mu        sync.Mutex
}

// New creates a Store rooted at workspace.
func New(workspace string) *Store {
	return &Store{workspace: workspace}
}

// Dir returns <workspace>/qq_sessions/<route-dir>.
func (s *Store) Dir(route string) string {
	return filepath.Join(s.workspace, "qq_sessions", routing.RouteDir(route))
}

func (s *Store) ensureDirs(route string) (string, error) {
	dir := s.Dir(route)
	for _, sub := range []string{"in/files", "out/files", "logs", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("routestore: mkdir %s: %w", sub, err)
		}
	}
	return dir, nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("routestore: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("routestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("routestore: rename %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// LoadOrCreateMeta loads agent.json, creating a default record on first
// inbound for a route (spec §3 Lifecycles). ownerRoute marks the owner's
// private route so it's created full-capability and bound to "main".
func (s *Store) LoadOrCreateMeta(route string, ownerRoute bool) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDirs(route)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "agent.json")

	var meta Meta
	found, err := readJSON(path, &meta)
	if err != nil {
		return nil, fmt.Errorf("routestore: load meta: %w", err)
	}
	if found {
		return &meta, nil
	}

	agentID := "main"
	if !ownerRoute {
		var err error
		agentID, err = routing.ResidentAgentID(route, "")
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	meta = Meta{
		AgentID:      agentID,
		Route:        route,
		CreatedAt:    now,
		UpdatedAt:    now,
		BoundToMain:  ownerRoute,
		Capabilities: Capabilities{SendText: true, SendMedia: true, SendVoice: true},
	}
	if err := writeJSONAtomic(path, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SaveMeta persists an updated metadata record (admin commands, outbound bumps).
func (s *Store) SaveMeta(route string, meta *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.ensureDirs(route)
	if err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(dir, "agent.json"), meta)
}

// LoadUsage loads usage.json, defaulting to zero counters.
func (s *Store) LoadUsage(route string) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.ensureDirs(route)
	if err != nil {
		return nil, err
	}
	var usage Usage
	if _, err := readJSON(filepath.Join(dir, "usage.json"), &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// BumpKind is the closed set of usage counters (spec §3 "Route usage",
// §8 "Quota monotonicity").
type BumpKind string

const (
	BumpDispatch  BumpKind = "dispatch"
	BumpSendText  BumpKind = "sendText"
	BumpSendMedia BumpKind = "sendMedia"
	BumpSendVoice BumpKind = "sendVoice"
)

// BumpUsage atomically increments one usage counter and persists it.
// Exactly once per successful outbound unit (spec §8 invariant).
func (s *Store) BumpUsage(route string, kind BumpKind) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDirs(route)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "usage.json")
	var usage Usage
	if _, err := readJSON(path, &usage); err != nil {
		return nil, err
	}
	switch kind {
	case BumpDispatch:
		usage.DispatchCount++
	case BumpSendText:
		usage.SendTextCount++
	case BumpSendMedia:
		usage.SendMediaCount++
	case BumpSendVoice:
		usage.SendVoiceCount++
	default:
		return nil, fmt.Errorf("routestore: unknown bump kind %q", kind)
	}
	usage.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(path, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// LoadState loads state.json, defaulting to a fresh neutral conversation state.
func (s *Store) LoadState(route string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.ensureDirs(route)
	if err != nil {
		return nil, err
	}
	state := State{Mood: MoodNeutral}
	if _, err := readJSON(filepath.Join(dir, "state.json"), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState persists conversation state.
func (s *Store) SaveState(route string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.ensureDirs(route)
	if err != nil {
		return err
	}
	state.Affinity = clampAffinity(state.Affinity)
	state.LastUpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(dir, "state.json"), state)
}

// RecordOutboundImage bumps the rolling image-quota window and reports
// whether the send is within quota (spec §3 "Image quota": at most 5 per
// 2h rolling window per route).
func (s *Store) RecordOutboundImage(route string) (allowed bool, err error) {
	state, err := s.LoadState(route)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	nowMs := now.UnixMilli()
	if state.ImageWindowStartMs == 0 || nowMs-state.ImageWindowStartMs >= ImageWindow.Milliseconds() {
		state.ImageWindowStartMs = nowMs
		state.ImageCountInWindow = 0
	}
	if state.ImageCountInWindow >= ImageWindowMax {
		return false, s.SaveState(route, state)
	}
	state.ImageCountInWindow++
	return true, s.SaveState(route, state)
}

// InFilesDir returns the directory for materialized inbound media.
func (s *Store) InFilesDir(route string) string { return filepath.Join(s.Dir(route), "in", "files") }

// OutFilesDir returns the directory for outbound media snapshots.
func (s *Store) OutFilesDir(route string) string { return filepath.Join(s.Dir(route), "out", "files") }

// LogsDir returns the per-route logs directory.
func (s *Store) LogsDir(route string) string { return filepath.Join(s.Dir(route), "logs") }

// MetaDir returns the per-route meta directory (task/automation/proactive state).
func (s *Store) MetaDir(route string) string { return filepath.Join(s.Dir(route), "meta") }
