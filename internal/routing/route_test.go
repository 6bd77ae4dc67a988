package routing

import "testing"

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name  string
		route string
		valid bool
	}{
		{"user ok", "user:2151539153", true},
		{"group ok", "group:100001", true},
		{"guild ok", "guild:abc-1.2:channel_3", true},
		{"user too short", "user:123", false},
		{"user too long", "user:1234567890123", false},
		{"bad scheme", "chat:123", false},
		{"guild bad id", "guild:a b:c", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTarget(tt.route)
			if (err == nil) != tt.valid {
				t.Errorf("ParseTarget(%q) err=%v, want valid=%v", tt.route, err, tt.valid)
			}
		})
	}
}

func TestParseTarget_RoundTrip(t *testing.T) {
	for _, route := range []string{"user:2151539153", "group:100001", "guild:abc:def"} {
		target, err := ParseTarget(route)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", route, err)
		}
		if got := target.Route(); got != route {
			t.Errorf("Route() = %q, want %q", got, route)
		}
	}
}

func TestNormalizeTarget_Idempotent(t *testing.T) {
	inputs := []string{"user:2151539153", "channel:private:2151539153", "session:qq:user:2151539153", "2151539153"}
	for _, in := range inputs {
		first, err := NormalizeTarget(in)
		if err != nil {
			t.Fatalf("NormalizeTarget(%q): %v", in, err)
		}
		second, err := NormalizeTarget(first)
		if err != nil {
			t.Fatalf("NormalizeTarget(%q) second pass: %v", first, err)
		}
		if first != second {
			t.Errorf("not idempotent: %q -> %q -> %q", in, first, second)
		}
	}
}

func TestResidentAgentID(t *testing.T) {
	tests := []struct {
		route   string
		owner   string
		want    string
		wantErr bool
	}{
		{"user:111110000", "111110000", "main", false},
		{"user:222220000", "111110000", "qq-user-222220000", false},
		{"group:333330000", "111110000", "qq-group-333330000", false},
		{"guild:g1:c1", "111110000", "qq-guild-g1-c1", false},
		{"not-a-route", "", "", true},
	}
	for _, tt := range tests {
		got, err := ResidentAgentID(tt.route, tt.owner)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ResidentAgentID(%q): err=%v", tt.route, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("ResidentAgentID(%q) = %q, want %q", tt.route, got, tt.want)
		}
	}
}

func TestSessionKey(t *testing.T) {
	key, err := SessionKey("user:111110000", "111110000")
	if err != nil {
		t.Fatal(err)
	}
	if key != "agent:main:main" {
		t.Errorf("SessionKey = %q, want agent:main:main", key)
	}
}

func TestRouteDir(t *testing.T) {
	tests := map[string]string{
		"user:2151539153": "user__2151539153",
		"guild:a.b:c-d_e":  "guild__a.b__c-d_e",
	}
	for in, want := range tests {
		if got := RouteDir(in); got != want {
			t.Errorf("RouteDir(%q) = %q, want %q", in, got, want)
		}
	}
}
