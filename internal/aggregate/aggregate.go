// Package aggregate coalesces inbound messages arriving on the same route
// within a short window before the dispatch engine sees them (spec §4.5),
// grounded on the debounce-then-flush shape described by the teacher's
// cmd/gateway_consumer.go dedupe comments and the generation-token guard
// idiom from internal/channels/manager.go's run bookkeeping.
package aggregate

import (
	"strings"
	"sync"
	"time"
)

// Media is one deduplicated inbound media reference carried through a window.
type Media struct {
	URL         string
	ContentType string
}

// Result is the finalized, joined content of one aggregation window.
type Result struct {
	Route      string
	Text       string
	Media      []Media
	ImageCount int
	VoiceCount int
	FileCount  int
}

type routeState struct {
	mu         sync.Mutex
	generation int64
	texts      []string
	media      []Media
	mediaSeen  map[string]bool
	imageCount int
	voiceCount int
	fileCount  int
}

// Aggregator coalesces inbound pushes per route within a configurable window.
type Aggregator struct {
	mu     sync.Mutex
	routes map[string]*routeState

	onFinalize func(Result)
}

// New builds an Aggregator. onFinalize is invoked once per non-superseded
// window with the joined result.
func New(onFinalize func(Result)) *Aggregator {
	return &Aggregator{routes: make(map[string]*routeState), onFinalize: onFinalize}
}

func (a *Aggregator) state(route string) *routeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.routes[route]
	if !ok {
		st = &routeState{mediaSeen: make(map[string]bool)}
		a.routes[route] = st
	}
	return st
}

// MediaKind classifies a pushed media item for the summed counters.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
	MediaFile  MediaKind = "file"
)

// Push adds one inbound message's content to route's aggregation window and
// (re)starts the coalescing timer. The window-closing goroutine finalizes
// only if no newer push has arrived in the meantime (spec §4.5 generation
// guard).
func (a *Aggregator) Push(route, text string, media []Media, kinds map[string]MediaKind, window time.Duration) {
	st := a.state(route)

	st.mu.Lock()
	st.generation++
	gen := st.generation
	if text != "" {
		st.texts = append(st.texts, text)
	}
	for _, m := range media {
		if st.mediaSeen[m.URL] {
			continue
		}
		st.mediaSeen[m.URL] = true
		st.media = append(st.media, m)
		switch kinds[m.URL] {
		case MediaImage:
			st.imageCount++
		case MediaVoice:
			st.voiceCount++
		case MediaFile:
			st.fileCount++
		}
	}
	st.mu.Unlock()

	time.AfterFunc(window, func() { a.finalize(route, st, gen) })
}

func (a *Aggregator) finalize(route string, st *routeState, gen int64) {
	st.mu.Lock()
	if st.generation != gen {
		// A newer push arrived; this timer fire is a superseded duplicate.
		st.mu.Unlock()
		return
	}
	res := Result{
		Route:      route,
		Text:       strings.TrimSpace(strings.Join(st.texts, "\n")),
		Media:      append([]Media(nil), st.media...),
		ImageCount: st.imageCount,
		VoiceCount: st.voiceCount,
		FileCount:  st.fileCount,
	}
	st.texts = nil
	st.media = nil
	st.mediaSeen = make(map[string]bool)
	st.imageCount, st.voiceCount, st.fileCount = 0, 0, 0
	st.mu.Unlock()

	if a.onFinalize != nil {
		a.onFinalize(res)
	}
}
