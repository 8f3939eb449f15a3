package redact

import (
	"strings"
	"testing"
)

func TestSecrets(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		leaked string
		want   string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bearer", in: "request failed: Bearer eyJhbGciOi.abc.def", leaked: "eyJhbGciOi", want: "request failed: Bearer <redacted>"},
		{name: "raw authorization header", in: "Authorization: 3f2c-secret-token", leaked: "3f2c-secret-token", want: "Authorization: <redacted>"},
		{name: "json authorization header", in: `{"Authorization": "3f2c-secret-token"}`, leaked: "3f2c-secret-token"},
		{name: "api key kv", in: "config api_key=abc123 rejected", leaked: "abc123", want: "config <redacted_kv> rejected"},
		{name: "gemini key kv", in: "GEMINI_API_KEY: xyz", leaked: "xyz"},
		{name: "plain text untouched", in: "  organization \"ckan\" not found  ", want: `organization "ckan" not found`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Secrets(tt.in)
			if tt.leaked != "" && strings.Contains(got, tt.leaked) {
				t.Fatalf("Secrets(%q)=%q still contains %q", tt.in, got, tt.leaked)
			}
			if tt.want != "" && got != tt.want {
				t.Fatalf("Secrets(%q)=%q want %q", tt.in, got, tt.want)
			}
		})
	}
}
