// Package routing parses and validates route identifiers and derives the
// canonical per-conversation session key (spec §3 "Route", §4.2).
package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes the three route shapes spec §3 allows.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
	KindGuild Kind = "guild"
)

var (
	digitsID   = regexp.MustCompile(`^\d{5,12}$`)
	guildIDRe  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	legacyChan = regexp.MustCompile(`^channel:private:(\d{5,12})$`)
	legacySess = regexp.MustCompile(`^session:qq:user:(\d{5,12})$`)
)

// Target is the typed, parsed form of a route string.
type Target struct {
	Kind    Kind
	ID      string // user or group numeric id
	GuildID string // guild id (Kind==KindGuild only)
	Channel string // guild channel id (Kind==KindGuild only)
}

// Route reconstructs the canonical route string for this target.
func (t Target) Route() string {
	switch t.Kind {
	case KindUser:
		return "user:" + t.ID
	case KindGroup:
		return "group:" + t.ID
	case KindGuild:
		return fmt.Sprintf("guild:%s:%s", t.GuildID, t.Channel)
	default:
		return ""
	}
}

// IsValidQQRoute is the sole gate for every route-typed boundary (spec §4.2).
func IsValidQQRoute(route string) bool {
	_, err := ParseTarget(route)
	return err == nil
}

// ParseTarget parses a canonical route string into its typed variant.
// parseTarget(normalizeTarget(r)).route == r must hold for every valid r.
func ParseTarget(route string) (Target, error) {
	parts := strings.SplitN(route, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == "user" && digitsID.MatchString(parts[1]):
		return Target{Kind: KindUser, ID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "group" && digitsID.MatchString(parts[1]):
		return Target{Kind: KindGroup, ID: parts[1]}, nil
	case len(parts) == 3 && parts[0] == "guild" && guildIDRe.MatchString(parts[1]) && guildIDRe.MatchString(parts[2]):
		return Target{Kind: KindGuild, GuildID: parts[1], Channel: parts[2]}, nil
	default:
		return Target{}, fmt.Errorf("routing: invalid route %q", route)
	}
}

// NormalizeTarget accepts legacy forms and bare digits and collapses them
// to a canonical route string. Idempotent: normalizeTarget(normalizeTarget(x))
// == normalizeTarget(x).
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if IsValidQQRoute(raw) {
		return raw, nil
	}
	if m := legacyChan.FindStringSubmatch(raw); m != nil {
		return "user:" + m[1], nil
	}
	if m := legacySess.FindStringSubmatch(raw); m != nil {
		return "user:" + m[1], nil
	}
	if digitsID.MatchString(raw) {
		return "user:" + raw, nil
	}
	return "", fmt.Errorf("routing: cannot normalize target %q", raw)
}

// ResidentAgentID maps a route to the resident agent identity (spec §3
// "Session key"): the configured owner's private route resolves to "main";
// every other route gets a deterministic per-route agent id.
func ResidentAgentID(route string, ownerUserID string) (string, error) {
	t, err := ParseTarget(route)
	if err != nil {
		return "", err
	}
	if t.Kind == KindUser && ownerUserID != "" && t.ID == ownerUserID {
		return "main", nil
	}
	switch t.Kind {
	case KindUser:
		return "qq-user-" + t.ID, nil
	case KindGroup:
		return "qq-group-" + t.ID, nil
	case KindGuild:
		return fmt.Sprintf("qq-guild-%s-%s", t.GuildID, t.Channel), nil
	default:
		return "", fmt.Errorf("routing: unknown target kind for %q", route)
	}
}

// SessionKey derives the canonical session key for a route (spec §3):
// agent:<resident-agent-id>:main.
func SessionKey(route string, ownerUserID string) (string, error) {
	agentID, err := ResidentAgentID(route, ownerUserID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("agent:%s:main", agentID), nil
}

// RouteDir turns a route into its filesystem-safe directory name (spec §6):
// ':' becomes '__', any other non-identifier character becomes '_'.
func RouteDir(route string) string {
	var b strings.Builder
	b.Grow(len(route) + 4)
	for _, r := range route {
		switch {
		case r == ':':
			b.WriteString("__")
		case r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
