package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   string
		ok     bool
	}{
		{name: "simple", origin: "http://example.com", want: "http://example.com", ok: true},
		{name: "case folded", origin: "HTTPS://Widget.Example.COM", want: "https://widget.example.com", ok: true},
		{name: "with port", origin: "http://localhost:8080", want: "http://localhost:8080", ok: true},
		{name: "missing scheme", origin: "example.com", ok: false},
		{name: "empty", origin: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.origin)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"https://widget.example.com"}})

	allowed := httptest.NewRequest("GET", "/ws", nil)
	allowed.Header.Set("Origin", "https://widget.example.com")
	assert.True(t, isOriginAllowed(allowed))

	denied := httptest.NewRequest("GET", "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, isOriginAllowed(denied))

	missing := httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, isOriginAllowed(missing))
}

func TestWildcardOriginAllowsEverything(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	assert.True(t, isOriginAllowed(r))
}
