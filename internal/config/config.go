// Package config loads and hot-reloads the gateway configuration (spec §6
// "Configuration"), following the teacher's config.Config shape: a single
// struct guarded by a mutex for safe concurrent reads during reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// InterruptPolicy is the dispatch engine's preemption strategy (spec §4.7).
type InterruptPolicy string

const (
	InterruptPreempt     InterruptPolicy = "preempt"
	InterruptQueueLatest InterruptPolicy = "queue-latest"
	InterruptAdaptive    InterruptPolicy = "adaptive"
)

// MediaResolvePrefer orders protocol-action probing vs segment fields (spec §4.3).
type MediaResolvePrefer string

const (
	ResolveNapcatFirst MediaResolvePrefer = "napcat-first"
	ResolveDirectFirst MediaResolvePrefer = "direct-first"
)

// StreamTransportPrefer orders media-send candidates (spec §4.11).
type StreamTransportPrefer string

const (
	StreamFirst StreamTransportPrefer = "stream-first"
)

// Config is the root configuration for one channel account (spec §6).
type Config struct {
	WsURL       string   `json:"wsUrl"`
	AccessToken string   `json:"accessToken"`
	OwnerUserID string   `json:"ownerUserId,omitempty"`
	Admins      []string `json:"admins,omitempty"`
	BlockedUsers []string `json:"blockedUsers,omitempty"`
	AllowedGroups []string `json:"allowedGroups,omitempty"`
	EnableGuilds  bool     `json:"enableGuilds,omitempty"`

	EnableDeduplication bool `json:"enableDeduplication,omitempty"`
	HistoryLimit        int  `json:"historyLimit,omitempty"`
	RequireMention      bool `json:"requireMention,omitempty"`
	KeywordTriggers     []string `json:"keywordTriggers,omitempty"`

	AggregateWindowMs      int `json:"aggregateWindowMs,omitempty"`
	DmAggregateWindowMs    int `json:"dmAggregateWindowMs,omitempty"`
	GroupAggregateWindowMs int `json:"groupAggregateWindowMs,omitempty"`

	ReplyRunTimeoutMs              int             `json:"replyRunTimeoutMs,omitempty"`
	ReplyAbortOnTimeout            bool            `json:"replyAbortOnTimeout,omitempty"`
	RoutePreemptOldRun             bool            `json:"routePreemptOldRun,omitempty"`
	InterruptPolicy                InterruptPolicy `json:"interruptPolicy,omitempty"`
	InterruptWindowMs              int             `json:"interruptWindowMs,omitempty"`
	InterruptCoalesceEnabled       bool            `json:"interruptCoalesceEnabled,omitempty"`
	AdaptiveTimeoutDegradeWindowMs int             `json:"adaptiveTimeoutDegradeWindowMs,omitempty"`
	MediaInterruptPolicy           InterruptPolicy `json:"mediaInterruptPolicy,omitempty"`
	FileTaskLockMs                 int             `json:"fileTaskLockMs,omitempty"`

	SendQueueMaxRetries   int     `json:"sendQueueMaxRetries,omitempty"`
	SendQueueBaseDelayMs  int     `json:"sendQueueBaseDelayMs,omitempty"`
	SendQueueJitterMs     int     `json:"sendQueueJitterMs,omitempty"`
	SendRetryMinDelayMs   int     `json:"sendRetryMinDelayMs,omitempty"`
	SendRetryMaxDelayMs   int     `json:"sendRetryMaxDelayMs,omitempty"`
	SendRetryJitterRatio  float64 `json:"sendRetryJitterRatio,omitempty"`
	SendWaitForReconnectMs int    `json:"sendWaitForReconnectMs,omitempty"`
	RateLimitMs            int    `json:"rateLimitMs,omitempty"`

	OutboundTextDedupWindowMs   int  `json:"outboundTextDedupWindowMs,omitempty"`
	OutboundRepeatGuardWindowMs int  `json:"outboundRepeatGuardWindowMs,omitempty"`
	OutboundAbortPatternStrict  bool `json:"outboundAbortPatternStrict,omitempty"`
	OutboundFallbackOnDrop      bool `json:"outboundFallbackOnDrop,omitempty"`
	OutboundFallbackCooldownMs  int  `json:"outboundFallbackCooldownMs,omitempty"`

	InboundMediaResolvePrefer   MediaResolvePrefer `json:"inboundMediaResolvePrefer,omitempty"`
	InboundMediaHttpTimeoutMs   int                `json:"inboundMediaHttpTimeoutMs,omitempty"`
	// InboundMediaHttpRetries is a pointer so an explicit 0 (spec §8's named
	// "exactly zero HTTP retries" boundary) survives JSON5 decoding and
	// WithDefaults distinctly from "not set in the config file at all" —
	// a plain int would make both cases indistinguishable from zero.
	InboundMediaHttpRetries    *int `json:"inboundMediaHttpRetries,omitempty"`
	InboundMediaUseStream       bool               `json:"inboundMediaUseStream,omitempty"`
	InboundMediaFallbackGetMsg  bool               `json:"inboundMediaFallbackGetMsg,omitempty"`
	InboundMediaMaxPerMessage   int                `json:"inboundMediaMaxPerMessage,omitempty"`

	StreamTransportEnabled bool                  `json:"streamTransportEnabled,omitempty"`
	StreamTransportPrefer  StreamTransportPrefer `json:"streamTransportPrefer,omitempty"`

	MediaProxyEnabled bool   `json:"mediaProxyEnabled,omitempty"`
	MediaProxyHost    string `json:"mediaProxyHost,omitempty"`
	MediaProxyPort    int    `json:"mediaProxyPort,omitempty"`
	MediaProxyPath    string `json:"mediaProxyPath,omitempty"`
	MediaProxyToken   string `json:"mediaProxyToken,omitempty"`
	MediaProxyTtlSec  int    `json:"mediaProxyTtlSec,omitempty"`

	MediaPathAllowlist []string `json:"mediaPathAllowlist,omitempty"`
	VoiceBasePath      string   `json:"voiceBasePath,omitempty"`

	TaskMaxRuntimeMs     int  `json:"taskMaxRuntimeMs,omitempty"`
	TaskMaxRetries       int  `json:"taskMaxRetries,omitempty"`
	TaskMaxConcurrency   int  `json:"taskMaxConcurrency,omitempty"`
	TaskIdempotencyEnabled bool `json:"taskIdempotencyEnabled,omitempty"`

	ProactiveDmEnabled     bool   `json:"proactiveDmEnabled,omitempty"`
	ProactiveDmRoute       string `json:"proactiveDmRoute,omitempty"`
	ProactiveDmMinSilenceMs int   `json:"proactiveDmMinSilenceMs,omitempty"`
	ProactiveDmMinIntervalMs int  `json:"proactiveDmMinIntervalMs,omitempty"`
	ProactiveDmLogVerbose  bool   `json:"proactiveDmLogVerbose,omitempty"`

	Workspace          string `json:"workspace,omitempty"`
	ReconcileIntervalMs int   `json:"reconcileIntervalMs,omitempty"`
	StrictAgentOnly     bool  `json:"strictAgentOnly,omitempty"`
	EnableErrorNotify   bool  `json:"enableErrorNotify,omitempty"`

	AutomationTargets []AutomationTarget `json:"automationTargets,omitempty"`

	mu *sync.RWMutex `json:"-"`
}

// AutomationTarget mirrors spec §6's automation target schema, parsed
// straight out of the JSON5 config file.
type AutomationTarget struct {
	ID            string             `json:"id"`
	Enabled       *bool              `json:"enabled,omitempty"`
	Route         string             `json:"route"`
	ExecutionMode string             `json:"executionMode,omitempty"`
	Job           AutomationJob      `json:"job"`
}

// AutomationJob is the job payload of one automation target.
type AutomationJob struct {
	Type           string             `json:"type"`
	Schedule       AutomationSchedule `json:"schedule"`
	Message        string             `json:"message"`
	Thinking       string             `json:"thinking,omitempty"`
	Model          string             `json:"model,omitempty"`
	TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
	Smart          *AutomationSmart   `json:"smart,omitempty"`
}

// AutomationSchedule is the tagged-union schedule shape: `kind` selects
// which of the remaining fields apply.
type AutomationSchedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	At      string `json:"at,omitempty"`
}

// AutomationSmart is the optional smart-throttle block of a job.
type AutomationSmart struct {
	Enabled                   bool `json:"enabled,omitempty"`
	MinSilenceMinutes         int  `json:"minSilenceMinutes,omitempty"`
	ActiveConversationMinutes int  `json:"activeConversationMinutes,omitempty"`
	RandomIntervalMinMinutes  int  `json:"randomIntervalMinMinutes,omitempty"`
	RandomIntervalMaxMinutes  int  `json:"randomIntervalMaxMinutes,omitempty"`
	MaxChars                  int  `json:"maxChars,omitempty"`
}

// WithDefaults fills unset fields with spec-mandated defaults (spec §4 throughout).
func (c *Config) WithDefaults() *Config {
	if c.AggregateWindowMs == 0 {
		c.AggregateWindowMs = 900
	}
	if c.DmAggregateWindowMs == 0 {
		c.DmAggregateWindowMs = c.AggregateWindowMs
	}
	if c.GroupAggregateWindowMs == 0 {
		c.GroupAggregateWindowMs = c.AggregateWindowMs
	}
	if c.ReplyRunTimeoutMs == 0 {
		c.ReplyRunTimeoutMs = 600_000
	}
	if c.InterruptPolicy == "" {
		c.InterruptPolicy = InterruptAdaptive
	}
	if c.InterruptWindowMs == 0 {
		c.InterruptWindowMs = c.AggregateWindowMs
	}
	if c.AdaptiveTimeoutDegradeWindowMs == 0 {
		c.AdaptiveTimeoutDegradeWindowMs = 120_000
	}
	if c.FileTaskLockMs == 0 {
		c.FileTaskLockMs = 60_000
	}
	if c.SendQueueMaxRetries == 0 {
		c.SendQueueMaxRetries = 3
	}
	if c.SendQueueBaseDelayMs == 0 {
		c.SendQueueBaseDelayMs = 1000
	}
	if c.SendQueueJitterMs == 0 {
		c.SendQueueJitterMs = 400
	}
	if c.SendRetryMinDelayMs == 0 {
		c.SendRetryMinDelayMs = 500
	}
	if c.SendRetryMaxDelayMs == 0 {
		c.SendRetryMaxDelayMs = 8000
	}
	if c.SendRetryJitterRatio == 0 {
		c.SendRetryJitterRatio = 0.15
	}
	if c.SendWaitForReconnectMs == 0 {
		c.SendWaitForReconnectMs = 5000
	}
	if c.OutboundTextDedupWindowMs == 0 {
		c.OutboundTextDedupWindowMs = 12_000
	}
	if c.OutboundFallbackCooldownMs == 0 {
		c.OutboundFallbackCooldownMs = 30_000
	}
	if c.InboundMediaResolvePrefer == "" {
		c.InboundMediaResolvePrefer = ResolveNapcatFirst
	}
	if c.InboundMediaHttpTimeoutMs == 0 {
		c.InboundMediaHttpTimeoutMs = 8000
	}
	if c.InboundMediaHttpRetries == nil {
		defaultRetries := 2
		c.InboundMediaHttpRetries = &defaultRetries
	}
	if c.InboundMediaMaxPerMessage == 0 {
		c.InboundMediaMaxPerMessage = 8
	}
	if c.StreamTransportPrefer == "" {
		c.StreamTransportPrefer = StreamFirst
	}
	if c.TaskMaxRuntimeMs == 0 {
		c.TaskMaxRuntimeMs = 120_000
	}
	if c.TaskMaxRetries == 0 {
		c.TaskMaxRetries = 1
	}
	if c.TaskMaxConcurrency == 0 {
		c.TaskMaxConcurrency = 1
	}
	if c.MediaProxyTtlSec == 0 {
		c.MediaProxyTtlSec = 300
	}
	if c.ProactiveDmMinSilenceMs == 0 {
		c.ProactiveDmMinSilenceMs = 6 * 3600_000
	}
	if c.ProactiveDmMinIntervalMs == 0 {
		c.ProactiveDmMinIntervalMs = 24 * 3600_000
	}
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.ReconcileIntervalMs == 0 {
		c.ReconcileIntervalMs = 120_000
	}
	return c
}

// Load reads a JSON5 config file (comments/trailing commas allowed, matching
// the teacher's domain dependency on titanous/json5) and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Config{mu: &sync.RWMutex{}}
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.WsURL == "" {
		return nil, fmt.Errorf("config: wsUrl is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("config: accessToken is required")
	}
	cfg.WithDefaults()
	return &cfg, nil
}

// Snapshot returns a value copy safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	return cp
}

// InboundMediaHTTPRetries dereferences InboundMediaHttpRetries, defaulting
// to 2 if WithDefaults was never applied (e.g. a Config built by hand in a test).
func (c *Config) InboundMediaHTTPRetries() int {
	if c.InboundMediaHttpRetries == nil {
		return 2
	}
	return *c.InboundMediaHttpRetries
}

// Watcher hot-reloads the subset of config safe to change live: policy,
// automation, and quota-adjacent fields. Transport fields (WsURL,
// AccessToken) require a process restart to take effect.
type Watcher struct {
	path    string
	cfg     *Config
	watcher *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher starts watching path for changes and reloading cfg in place.
func NewWatcher(path string, cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, cfg: cfg, watcher: fw, onReload: onReload}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var last time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: editors often emit several events per save.
			if time.Since(last) < 200*time.Millisecond {
				continue
			}
			last = time.Now()
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config: reload failed, keeping previous config", "error", err)
		return
	}
	mu := w.cfg.mu
	mu.Lock()
	wsURL, token := w.cfg.WsURL, w.cfg.AccessToken
	next.WsURL, next.AccessToken = wsURL, token // transport fields are not hot-swappable
	*w.cfg = *next
	w.cfg.mu = mu // keep the mutex readers already hold a reference to
	mu.Unlock()
	slog.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
