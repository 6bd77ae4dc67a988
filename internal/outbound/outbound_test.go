package outbound

import (
	"strings"
	"testing"
)

func TestStripMarkdown(t *testing.T) {
	in := "**bold** and *italic* and `code`\n# Heading\nhttps://example.com/x"
	out := StripMarkdown(in)
	if strings.Contains(out, "**") || strings.Contains(out, "`") {
		t.Fatalf("markdown not stripped: %q", out)
	}
	if strings.Contains(out, "# Heading") {
		t.Fatalf("heading not stripped: %q", out)
	}
	if !strings.Contains(out, "https:// example.com") {
		t.Fatalf("expected space inserted after scheme, got %q", out)
	}
}

func TestExtractInlineMedia(t *testing.T) {
	text := "hello\nMEDIA: https://x/a.png\nworld"
	kept, extracted := extractInlineMedia(text)
	if strings.Contains(kept, "MEDIA:") {
		t.Fatalf("MEDIA marker not stripped: %q", kept)
	}
	if len(extracted) != 1 || extracted[0] != "https://x/a.png" {
		t.Fatalf("got %+v", extracted)
	}
}

func TestClassifyByExtension(t *testing.T) {
	cases := map[string]MediaKind{
		"a.png": MediaImage, "b.JPG": MediaImage, "c.mp3": MediaRecord,
		"d.mp4": MediaVideo, "e.pdf": MediaFile, "noext": MediaFile,
	}
	for in, want := range cases {
		if got := ClassifyByExtension(in); got != want {
			t.Errorf("ClassifyByExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_RedactsHostMarkers(t *testing.T) {
	out := Normalize(Payload{Text: "internal host host.docker.internal says hi"}, false, false, 4000)
	joined := strings.Join(out.Chunks, "\n")
	if strings.Contains(joined, "host.docker.internal") {
		t.Fatalf("expected host marker redacted, got %q", joined)
	}
}

func TestNormalize_SplitSendPerLineWithinBounds(t *testing.T) {
	out := Normalize(Payload{Text: "line one\nline two\nline three"}, false, true, 4000)
	if len(out.Chunks) != 3 {
		t.Fatalf("expected one chunk per line, got %d: %+v", len(out.Chunks), out.Chunks)
	}
}

func TestNormalize_SplitSendIgnoredOutsideLineBounds(t *testing.T) {
	out := Normalize(Payload{Text: "only one line"}, false, true, 4000)
	if len(out.Chunks) != 1 || out.Chunks[0] != "only one line" {
		t.Fatalf("expected single width-based chunk, got %+v", out.Chunks)
	}
}

func TestNormalize_MergesAllMediaSources(t *testing.T) {
	out := Normalize(Payload{
		Text:      "MEDIA: https://x/inline.png",
		MediaURL:  "https://x/primary.mp4",
		MediaURLs: []string{"https://x/extra.mp3"},
		Files:     []string{"/tmp/doc.pdf"},
	}, false, false, 4000)
	if len(out.Media) != 4 {
		t.Fatalf("expected 4 merged media items, got %d: %+v", len(out.Media), out.Media)
	}
}

func TestNormalize_ChunksLongTextByWidth(t *testing.T) {
	long := strings.Repeat("a", 9000)
	out := Normalize(Payload{Text: long}, false, false, 4000)
	if len(out.Chunks) < 2 {
		t.Fatalf("expected multiple chunks for long text, got %d", len(out.Chunks))
	}
	for _, c := range out.Chunks {
		if len(c) > 4000 {
			t.Fatalf("chunk exceeds max width: %d", len(c))
		}
	}
}
