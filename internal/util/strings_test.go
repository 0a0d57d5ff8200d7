package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"", 5, ""},
		{"abc", 3, "abc"},
		{"abc", 10, "abc"},
		{"refresh-token-value", 7, "refresh"},
		{"abc", 0, ""},
		{"abc", -3, ""},
		// byte based: the 3-byte rune fits exactly
		{"code世界", 7, "code世"},
	}

	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestLogPrefix(t *testing.T) {
	code := "Qm9ndXNBdXRob3JpemF0aW9uQ29kZQ"
	if got := LogPrefix(code); got != code[:TokenLogPrefixLength] {
		t.Errorf("LogPrefix() = %q, want %q", got, code[:TokenLogPrefixLength])
	}
	if got := LogPrefix("short"); got != "short" {
		t.Errorf("LogPrefix(short) = %q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"":                                  "",
		"///":                               "",
		"http://localhost:8000":             "http://localhost:8000",
		"http://localhost:8000/":            "http://localhost:8000",
		"https://auth.example.com//":        "https://auth.example.com",
		"  https://auth.example.com/mcp/  ": "https://auth.example.com/mcp",
		"HTTPS://Auth.Example.COM/MCP":      "https://auth.example.com/MCP",
		"https://auth.example.com:8443/":    "https://auth.example.com:8443",
		"https://auth.example.com/?x=1#f":   "https://auth.example.com/",
		"not a url/":                        "not a url",
	}

	for in, want := range tests {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// Credential store keys must collide for spellings of the same server
func TestNormalizeURL_SameServer(t *testing.T) {
	spellings := []string{
		"http://127.0.0.1:8000",
		"http://127.0.0.1:8000/",
		"HTTP://127.0.0.1:8000",
		" http://127.0.0.1:8000// ",
	}

	want := NormalizeURL(spellings[0])
	for _, s := range spellings[1:] {
		if got := NormalizeURL(s); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", s, got, want)
		}
	}
}
