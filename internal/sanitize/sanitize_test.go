package sanitize

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func quietSanitizer(sameOrigin bool) *Sanitizer {
	return New(Options{
		SameOrigin: sameOrigin,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

var corpus = []Descriptor{
	{Method: "GET", BaseAddress: "/api", Path: "/tracks/42"},
	{Method: "GET", BaseAddress: "https://api:8000/api", Path: "/tracks"},
	{Method: "GET", BaseAddress: "/api", Path: "api:8000/api/invoices"},
	{Method: "GET", BaseAddress: "/api", Path: "/campaigns?active_only=true"},
	{Method: "GET", BaseAddress: "/api", Path: "https://[invalid"},
	{Method: "GET", BaseAddress: "http://API:9000", Path: "orders"},
	{Method: "POST", BaseAddress: "", Path: ""},
	{Method: "GET", BaseAddress: "/", Path: "/api:8000/logs"},
	{Method: "GET", BaseAddress: "/", Path: "http://station.example/api:8000/logs"},
	{Method: "GET", BaseAddress: "https://traffic.example.com/api", Path: "https://traffic.example.com/api/orders?page=2"},
	{Method: "GET", BaseAddress: "//api:8000/api", Path: "//cdn.example.com//assets/x"},
	{Method: "GET", BaseAddress: "  /api ", Path: "  advertisers  "},
	{Method: "DELETE", BaseAddress: "/api", Path: "/x//api:8000/spots/7"},
	{Method: "GET", BaseAddress: "api:8000", Path: ""},
	{Method: "GET", BaseAddress: "/api", Path: "https://host/a b?c=d"},
	{Method: "GET", BaseAddress: "ftp://files", Path: "voice-talent"},
	{Method: "GET", BaseAddress: "/api", Path: "/%zz"},
	{Method: "GET", BaseAddress: "/api", Path: "/invoices/%"},
	{Method: "GET", BaseAddress: "/api", Path: "https://h/%zz"},
	{Method: "GET", BaseAddress: "/api%", Path: "orders/%4"},
	{Method: "GET", BaseAddress: "/api", Path: "/logs/a\tb?q=%41"},
}

func TestSanitizeScenarios(t *testing.T) {
	tests := []struct {
		name       string
		sameOrigin bool
		in         Descriptor
		wantBase   string
		wantPath   string
	}{
		{
			name:     "absolute internal url",
			in:       Descriptor{BaseAddress: "https://api:8000/api", Path: "/tracks"},
			wantBase: "/api",
			wantPath: "/tracks",
		},
		{
			name:     "bare internal host without scheme",
			in:       Descriptor{BaseAddress: "/api", Path: "api:8000/api/invoices"},
			wantBase: "/api",
			wantPath: "/api/invoices",
		},
		{
			name:     "already safe",
			in:       Descriptor{BaseAddress: "/api", Path: "/campaigns?active_only=true"},
			wantBase: "/api",
			wantPath: "/campaigns?active_only=true",
		},
		{
			name:     "unparseable absolute url",
			in:       Descriptor{BaseAddress: "/api", Path: "https://[invalid"},
			wantBase: "/api",
			wantPath: "/",
		},
		{
			name:     "relative path gets slash",
			in:       Descriptor{BaseAddress: "/api", Path: "orders/12"},
			wantBase: "/api",
			wantPath: "/orders/12",
		},
		{
			name:     "absolute path url reduced to path and query",
			in:       Descriptor{BaseAddress: "/api", Path: "https://traffic.example.com/api/orders?page=2#top"},
			wantBase: "/api",
			wantPath: "/api/orders?page=2",
		},
		{
			name:     "absolute base outside same-origin keeps its path",
			in:       Descriptor{BaseAddress: "https://traffic.example.com/v2", Path: "/orders"},
			wantBase: "/v2",
			wantPath: "/orders",
		},
		{
			name:       "absolute base in same-origin mode falls back to default",
			sameOrigin: true,
			in:         Descriptor{BaseAddress: "https://traffic.example.com/v2", Path: "/orders"},
			wantBase:   "/api",
			wantPath:   "/orders",
		},
		{
			name:     "empty base uses default",
			in:       Descriptor{Path: "/tracks"},
			wantBase: "/api",
			wantPath: "/tracks",
		},
		{
			name:     "uppercase internal host",
			in:       Descriptor{BaseAddress: "HTTP://API:8000", Path: "/tracks"},
			wantBase: "/api",
			wantPath: "/tracks",
		},
		{
			name:     "internal host only visible once joined",
			in:       Descriptor{BaseAddress: "/", Path: "/api:8000/logs"},
			wantBase: "/api",
			wantPath: "/logs",
		},
		{
			name:     "internal host exposed by url normalization",
			in:       Descriptor{BaseAddress: "/", Path: "http://station.example/api:8000/logs"},
			wantBase: "/api",
			wantPath: "/logs",
		},
		{
			name:     "internal host behind double slash inside path",
			in:       Descriptor{BaseAddress: "/api", Path: "/x//api:8000/spots/7"},
			wantBase: "/api",
			wantPath: "/spots/7",
		},
		{
			name:     "protocol relative path",
			in:       Descriptor{BaseAddress: "/api", Path: "//cdn.example.com//assets/x"},
			wantBase: "/api",
			wantPath: "/assets/x",
		},
		{
			name:     "host named like the service without port is not internal",
			in:       Descriptor{BaseAddress: "/api", Path: "api/tracks"},
			wantBase: "/api",
			wantPath: "/api/tracks",
		},
		{
			name:     "invalid percent escape in relative path",
			in:       Descriptor{BaseAddress: "/api", Path: "/%zz"},
			wantBase: "/api",
			wantPath: "/%25zz",
		},
		{
			name:     "trailing percent",
			in:       Descriptor{BaseAddress: "/api", Path: "/invoices/%"},
			wantBase: "/api",
			wantPath: "/invoices/%25",
		},
		{
			name:     "invalid escape in unparseable absolute url",
			in:       Descriptor{BaseAddress: "/api", Path: "https://h/%zz"},
			wantBase: "/api",
			wantPath: "/%25zz",
		},
		{
			name:     "valid escapes are kept",
			in:       Descriptor{BaseAddress: "/api", Path: "/tracks/Morning%20Drive?q=%41"},
			wantBase: "/api",
			wantPath: "/tracks/Morning%20Drive?q=%41",
		},
		{
			name:     "control byte inside path",
			in:       Descriptor{BaseAddress: "/api", Path: "/logs/a\tb"},
			wantBase: "/api",
			wantPath: "/logs/a%09b",
		},
		{
			name:     "surrounding whitespace",
			in:       Descriptor{BaseAddress: " /api ", Path: " /tracks "},
			wantBase: "/api",
			wantPath: "/tracks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := quietSanitizer(tt.sameOrigin)
			got := s.Sanitize(tt.in)
			if got.BaseAddress != tt.wantBase {
				t.Errorf("BaseAddress: got %q, want %q", got.BaseAddress, tt.wantBase)
			}
			if got.Path != tt.wantPath {
				t.Errorf("Path: got %q, want %q", got.Path, tt.wantPath)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	for _, sameOrigin := range []bool{false, true} {
		s := quietSanitizer(sameOrigin)
		for _, d := range corpus {
			once := s.Sanitize(d)
			twice := s.Sanitize(once)
			if once.BaseAddress != twice.BaseAddress || once.Path != twice.Path {
				t.Errorf("sameOrigin=%v %q+%q: first %q+%q, second %q+%q",
					sameOrigin, d.BaseAddress, d.Path,
					once.BaseAddress, once.Path, twice.BaseAddress, twice.Path)
			}
			if _, rw := s.Inspect(once); len(rw) != 0 {
				t.Errorf("sanitized descriptor %q+%q still produced rewrites: %+v", once.BaseAddress, once.Path, rw)
			}
		}
	}
}

func TestSanitizeInvariants(t *testing.T) {
	for _, sameOrigin := range []bool{false, true} {
		s := quietSanitizer(sameOrigin)
		for _, d := range corpus {
			got := s.Sanitize(d)
			joined := got.BaseAddress + got.Path
			if !strings.HasPrefix(joined, "/") {
				t.Errorf("%q+%q: joined %q does not start with /", d.BaseAddress, d.Path, joined)
			}
			if s.HasInternalHost(joined) {
				t.Errorf("%q+%q: internal host survived in %q", d.BaseAddress, d.Path, joined)
			}
			lower := strings.ToLower(joined)
			if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
				t.Errorf("%q+%q: joined %q is absolute", d.BaseAddress, d.Path, joined)
			}
			if sameOrigin && strings.Contains(got.BaseAddress, "://") {
				t.Errorf("%q: same-origin base %q is absolute", d.BaseAddress, got.BaseAddress)
			}
			if _, err := url.Parse(got.Target()); err != nil {
				t.Errorf("%q+%q: target %q does not parse: %v", d.BaseAddress, d.Path, got.Target(), err)
			}
		}
	}
}

func TestSanitizeSafePathIsNoop(t *testing.T) {
	s := quietSanitizer(true)
	for _, p := range []string{"/tracks/42", "/campaigns?active_only=true", "/invoices/2024-05/lines", "/"} {
		in := Descriptor{Method: "GET", BaseAddress: "/api", Path: p}
		got, rw := s.Inspect(in)
		if got.Path != p || got.BaseAddress != "/api" {
			t.Errorf("%q: got %q+%q", p, got.BaseAddress, got.Path)
		}
		if len(rw) != 0 {
			t.Errorf("%q: unexpected rewrites %+v", p, rw)
		}
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	s := quietSanitizer(false)
	in := Descriptor{
		Method:      "GET",
		BaseAddress: "https://api:8000/api",
		Path:        "tracks",
		Query:       url.Values{"page": {"1"}},
		Header:      http.Header{"Authorization": {"Bearer abc"}},
	}
	out := s.Sanitize(in)
	out.Query.Set("page", "2")
	out.Header.Set("Authorization", "Bearer changed")

	if in.BaseAddress != "https://api:8000/api" || in.Path != "tracks" {
		t.Errorf("input fields mutated: %+v", in)
	}
	if in.Query.Get("page") != "1" {
		t.Errorf("input query mutated: %v", in.Query)
	}
	if in.Header.Get("Authorization") != "Bearer abc" {
		t.Errorf("input header mutated: %v", in.Header)
	}
}

func TestCustomInternalHosts(t *testing.T) {
	s := New(Options{
		InternalHosts: []string{"backend", "traffic-api"},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if !s.HasInternalHost("http://traffic-api:8080/api") {
		t.Error("expected traffic-api:8080 to be detected")
	}
	if !s.HasInternalHost("backend:5000/x") {
		t.Error("expected backend:5000 to be detected")
	}
	if s.HasInternalHost("api:8000/x") {
		t.Error("api should not be internal when hosts are overridden")
	}
	got := s.Sanitize(Descriptor{BaseAddress: "http://backend:5000/api", Path: "/spots"})
	if got.BaseAddress != "/api" || got.Path != "/spots" {
		t.Errorf("got %q+%q", got.BaseAddress, got.Path)
	}
}

func TestNewRejectsUnsafeDefaultBase(t *testing.T) {
	for _, base := range []string{"", "api", "https://x/api", "//x/api"} {
		if got := New(Options{DefaultBase: base}).DefaultBase(); got != DefaultBase {
			t.Errorf("DefaultBase(%q): got %q, want %q", base, got, DefaultBase)
		}
	}
	if got := New(Options{DefaultBase: "/backend"}).DefaultBase(); got != "/backend" {
		t.Errorf("got %q, want /backend", got)
	}
}

func TestInspectReportsRewrites(t *testing.T) {
	s := quietSanitizer(false)
	_, rw := s.Inspect(Descriptor{BaseAddress: "https://api:8000/api", Path: "api:8000/tracks"})
	if len(rw) != 2 {
		t.Fatalf("expected 2 rewrites, got %d: %+v", len(rw), rw)
	}
	for _, r := range rw {
		if r.Rule != RuleInternalHost {
			t.Errorf("rule: got %q, want %q", r.Rule, RuleInternalHost)
		}
		if r.Match != "api:8000" {
			t.Errorf("match: got %q, want api:8000", r.Match)
		}
	}
	if rw[0].Field != FieldBase || rw[0].Corrected != "/api" {
		t.Errorf("base rewrite: %+v", rw[0])
	}
	if rw[1].Field != FieldPath || rw[1].Original != "api:8000/tracks" || rw[1].Corrected != "/tracks" {
		t.Errorf("path rewrite: %+v", rw[1])
	}
}

func TestInspectReportsInvalidEscape(t *testing.T) {
	s := quietSanitizer(true)
	_, rw := s.Inspect(Descriptor{BaseAddress: "/api", Path: "/%zz"})
	if len(rw) != 1 {
		t.Fatalf("expected 1 rewrite, got %+v", rw)
	}
	if rw[0].Rule != RuleInvalidEscape || rw[0].Original != "/%zz" || rw[0].Corrected != "/%25zz" {
		t.Errorf("unexpected rewrite %+v", rw[0])
	}

	_, rw = s.Inspect(Descriptor{BaseAddress: "/api", Path: "https://h/%zz"})
	if len(rw) != 1 || rw[0].Rule != RuleUnparseableURL || rw[0].Corrected != "/%25zz" {
		t.Errorf("unparseable url should report one rewrite with the repaired path, got %+v", rw)
	}
}

func TestSanitizeLogsRewrites(t *testing.T) {
	var buf bytes.Buffer
	s := New(Options{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))})

	s.Sanitize(Descriptor{Method: "GET", BaseAddress: "https://api:8000/api", Path: "/tracks"})
	out := buf.String()
	for _, want := range []string{
		"level=WARN",
		"msg=request.sanitized",
		"rule=internal_host",
		"match=api:8000",
		"original=https://api:8000/api",
		"corrected=/api",
		"request.sanitized.summary",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	s.Sanitize(Descriptor{Method: "GET", BaseAddress: "/api", Path: "/tracks"})
	if buf.Len() != 0 {
		t.Errorf("expected no log output for a safe descriptor, got:\n%s", buf.String())
	}
}
