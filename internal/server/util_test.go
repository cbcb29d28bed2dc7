package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsHTTPURL(t *testing.T) {
	valid := []string{"https://github.com/nodecross/nodex/releases/download/v1/a.zip", "http://127.0.0.1:8080/x"}
	invalid := []string{"", "github.com/x", "file:///etc/passwd", "https://", "::"}
	for _, s := range valid {
		if !isHTTPURL(s) {
			t.Fatalf("expected valid url %q", s)
		}
	}
	for _, s := range invalid {
		if isHTTPURL(s) {
			t.Fatalf("expected invalid url %q", s)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	writeJSON(c, 201, map[string]int{"a": 1})
	if rec.Code != 201 {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Body.String() != "{\"a\":1}\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
