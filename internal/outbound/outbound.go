// Package outbound normalizes an agent reply payload into redacted text
// chunks and a classified media list before it reaches internal/mediasend
// (spec §4.10), grounded on the teacher's markdown-stripping and
// chunk-splitting helpers in internal/channels/telegram/format.go,
// generalized to the closed media-kind taxonomy this gateway needs.
package outbound

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/openclaw/qq-gateway/internal/diag"
)

// MediaKind is the closed classification of an outbound media source.
type MediaKind string

const (
	MediaImage  MediaKind = "image"
	MediaRecord MediaKind = "record"
	MediaVideo  MediaKind = "video"
	MediaFile   MediaKind = "file"
)

// Media is one classified outbound media item.
type Media struct {
	Source string
	Kind   MediaKind
}

// Payload is the raw reply shape produced by the agent runtime.
type Payload struct {
	Text      string
	MediaURL  string
	MediaURLs []string
	Files     []string
}

// Normalized is the outbound normalizer's output: chunked, redacted text
// plus the merged classified media list.
type Normalized struct {
	Chunks []string
	Media  []Media
}

const defaultMaxMessageLength = 4000

var (
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe  = regexp.MustCompile(`\*([^*]+)\*`)
	codeRe    = regexp.MustCompile("`([^`]+)`")
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	urlRe     = regexp.MustCompile(`https?://`)
	mediaLine = regexp.MustCompile(`^\s*MEDIA:\s*(.+)$`)
)

// StripMarkdown removes the closed set of markdown emphasis/heading markers
// and inserts a space after scheme separators so inline links don't trigger
// downstream link-preview behavior (spec §4.10 "anti-risk mode").
func StripMarkdown(text string) string {
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = codeRe.ReplaceAllString(text, "$1")
	text = headingRe.ReplaceAllString(text, "")
	text = urlRe.ReplaceAllStringFunc(text, func(m string) string { return m[:len(m)-2] + "// " })
	return text
}

// extractInlineMedia pulls `MEDIA: <url>` lines out of text, returning the
// remaining text and the extracted sources (spec §4.10).
func extractInlineMedia(text string) (string, []string) {
	var kept []string
	var extracted []string
	for _, line := range strings.Split(text, "\n") {
		if m := mediaLine.FindStringSubmatch(line); m != nil {
			extracted = append(extracted, strings.TrimSpace(m[1]))
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), extracted
}

var extToKind = map[string]MediaKind{
	".jpg": MediaImage, ".jpeg": MediaImage, ".png": MediaImage, ".gif": MediaImage, ".webp": MediaImage,
	".mp3": MediaRecord, ".ogg": MediaRecord, ".amr": MediaRecord, ".silk": MediaRecord, ".wav": MediaRecord,
	".mp4": MediaVideo, ".mov": MediaVideo, ".webm": MediaVideo,
}

// ClassifyByExtension infers a MediaKind from a source's file extension,
// defaulting to MediaFile for anything unrecognized (spec §4.10).
func ClassifyByExtension(source string) MediaKind {
	lower := strings.ToLower(source)
	for ext, kind := range extToKind {
		if strings.HasSuffix(lower, ext) {
			return kind
		}
	}
	return MediaFile
}

// chunkByWidth splits text into chunks no wider than maxWidth display
// columns, using go-runewidth so CJK-heavy replies aren't cut mid-glyph-pair
// count (spec §4.10 splitting, generalized for CJK chat content).
func chunkByWidth(text string, maxWidth int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	var cur strings.Builder
	width := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			width = 0
		}
	}
	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if width+w > maxWidth {
			flush()
		}
		cur.WriteRune(r)
		width += w
	}
	flush()
	return chunks
}

// Normalize runs the full pipeline: markdown strip (if antiRisk), inline
// MEDIA: marker extraction, host redaction, and chunk splitting (either by
// width or one-chunk-per-line when splitSendRequested and the line count
// fits the spec's 2-12 line window).
func Normalize(p Payload, antiRisk, splitSendRequested bool, maxMessageLength int) Normalized {
	if maxMessageLength <= 0 {
		maxMessageLength = defaultMaxMessageLength
	}
	text := p.Text
	if antiRisk {
		text = StripMarkdown(text)
	}
	text, inlineMedia := extractInlineMedia(text)
	text = diag.Redact(text)
	text = strings.TrimSpace(text)

	var media []Media
	for _, src := range inlineMedia {
		media = append(media, Media{Source: src, Kind: ClassifyByExtension(src)})
	}
	if p.MediaURL != "" {
		media = append(media, Media{Source: p.MediaURL, Kind: ClassifyByExtension(p.MediaURL)})
	}
	for _, u := range p.MediaURLs {
		media = append(media, Media{Source: u, Kind: ClassifyByExtension(u)})
	}
	for _, f := range p.Files {
		media = append(media, Media{Source: f, Kind: ClassifyByExtension(f)})
	}

	var chunks []string
	if splitSendRequested {
		lines := nonEmptyLines(text)
		if len(lines) >= 2 && len(lines) <= 12 {
			chunks = lines
		}
	}
	if chunks == nil {
		chunks = chunkByWidth(text, maxMessageLength)
	}

	return Normalized{Chunks: chunks, Media: media}
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
