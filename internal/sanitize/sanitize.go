package sanitize

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// DefaultBase is the canonical API root used whenever a configured base
// address cannot be trusted.
const DefaultBase = "/api"

// DefaultInternalHosts lists the container-network service names that must
// never reach the transport.
var DefaultInternalHosts = []string{"api"}

// Rule names reported in Rewrite.Rule and in log lines.
const (
	RuleInternalHost   = "internal_host"
	RuleAbsoluteURL    = "absolute_url"
	RuleUnparseableURL = "unparseable_url"
	RuleMissingSlash   = "missing_slash"
	RuleWhitespace     = "whitespace"
	RuleEmptyBase      = "empty_base"
	RuleAbsoluteBase   = "absolute_base"
	RuleSafetyNet      = "safety_net"
	RuleInvalidEscape  = "invalid_escape"
)

// Field names reported in Rewrite.Field.
const (
	FieldBase = "base_address"
	FieldPath = "path"
)

var absoluteRe = regexp.MustCompile(`(?i)^(?:[a-z][a-z0-9+.\-]*:)?//`)

var schemeHostRe = regexp.MustCompile(`(?i)^(?:[a-z][a-z0-9+.\-]*:)?//[^/?#]*`)

// Options configures a Sanitizer.
type Options struct {
	// DefaultBase replaces untrusted base addresses. Defaults to DefaultBase.
	DefaultBase string
	// InternalHosts are hostnames only resolvable inside the private network.
	InternalHosts []string
	// SameOrigin rejects absolute base addresses outright instead of reducing
	// them to their path. Set it whenever requests are resolved against the
	// console's own origin.
	SameOrigin bool
	// Logger receives rewrite diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Rewrite records one correction applied to a descriptor field.
type Rewrite struct {
	Field     string
	Rule      string
	Match     string
	Original  string
	Corrected string
}

// Sanitizer rewrites request descriptors into same-origin relative form.
// It holds no mutable state and is safe for concurrent use.
type Sanitizer struct {
	defaultBase string
	hosts       []string
	sameOrigin  bool
	detect      *regexp.Regexp
	logger      *slog.Logger
}

// New builds a Sanitizer from opts.
func New(opts Options) *Sanitizer {
	base := strings.TrimSpace(opts.DefaultBase)
	if base == "" || !strings.HasPrefix(base, "/") || strings.HasPrefix(base, "//") {
		base = DefaultBase
	}

	var hosts []string
	for _, h := range opts.InternalHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = append(hosts, DefaultInternalHosts...)
	}

	quoted := make([]string, len(hosts))
	for i, h := range hosts {
		quoted[i] = regexp.QuoteMeta(h)
	}
	detect := regexp.MustCompile(`(?i)(?:^|//)((?:` + strings.Join(quoted, "|") + `):\d+)(?:[/?#]|$)`)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sanitizer{
		defaultBase: base,
		hosts:       hosts,
		sameOrigin:  opts.SameOrigin,
		detect:      detect,
		logger:      logger,
	}
}

// DefaultBase returns the canonical base address this sanitizer falls back to.
func (s *Sanitizer) DefaultBase() string { return s.defaultBase }

// InternalHosts returns the hostnames treated as container-internal.
func (s *Sanitizer) InternalHosts() []string {
	return append([]string(nil), s.hosts...)
}

// SameOrigin reports whether absolute base addresses are rejected.
func (s *Sanitizer) SameOrigin() bool { return s.sameOrigin }

// HasInternalHost reports whether v contains an internal host:port pair at
// its start or directly after a "//".
func (s *Sanitizer) HasInternalHost(v string) bool {
	return s.detect.MatchString(v)
}

// Sanitize returns a copy of d whose BaseAddress and Path are safe to
// dispatch. It never fails: malformed input degrades to the default base and
// a best-effort relative path.
func (s *Sanitizer) Sanitize(d Descriptor) Descriptor {
	out, _ := s.Inspect(d)
	return out
}

// Inspect is Sanitize but also returns every rewrite that was applied.
func (s *Sanitizer) Inspect(d Descriptor) (Descriptor, []Rewrite) {
	out := d.Clone()
	var rw []Rewrite

	origBase, origPath := d.BaseAddress, d.Path
	base, path := strings.TrimSpace(origBase), strings.TrimSpace(origPath)

	// Internal host anywhere forces both fields before anything else runs.
	if m := s.firstMatch(base, path, base+path); m != "" {
		out.BaseAddress = s.defaultBase
		out.Path = s.stripPath(path)
		rw = appendRewrite(rw, FieldBase, RuleInternalHost, m, origBase, out.BaseAddress)
		rw = appendRewrite(rw, FieldPath, RuleInternalHost, m, origPath, out.Path)
	} else {
		var r Rewrite
		out.BaseAddress, r = s.normalizeBase(d.BaseAddress)
		if r.Rule != "" {
			rw = append(rw, r)
		}
		out.Path, r = normalizeField(FieldPath, d.Path)
		if r.Rule != "" {
			rw = append(rw, r)
		}
	}

	if joined := out.BaseAddress + out.Path; s.HasInternalHost(joined) {
		m := s.match(joined)
		prevBase, prevPath := out.BaseAddress, out.Path
		out.BaseAddress = s.defaultBase
		out.Path = s.stripPath(out.Path)
		rw = appendRewrite(rw, FieldBase, RuleSafetyNet, m, prevBase, out.BaseAddress)
		rw = appendRewrite(rw, FieldPath, RuleSafetyNet, m, prevPath, out.Path)
	}

	s.log(d, out, rw)
	return out, rw
}

func (s *Sanitizer) normalizeBase(v string) (string, Rewrite) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return s.defaultBase, Rewrite{Field: FieldBase, Rule: RuleEmptyBase, Original: v, Corrected: s.defaultBase}
	}
	if s.sameOrigin && isAbsolute(trimmed) {
		return s.defaultBase, Rewrite{
			Field:     FieldBase,
			Rule:      RuleAbsoluteBase,
			Match:     schemeHostRe.FindString(trimmed),
			Original:  v,
			Corrected: s.defaultBase,
		}
	}
	return normalizeField(FieldBase, v)
}

// normalizeField turns a single field into a "/"-prefixed relative form that
// url.Parse accepts. Empty values stay empty.
func normalizeField(field, v string) (string, Rewrite) {
	rel, r := relativeField(field, v)
	fixed := repairEscapes(rel)
	if fixed == rel {
		return rel, r
	}
	if r.Rule == "" {
		r = Rewrite{Field: field, Rule: RuleInvalidEscape, Original: v}
	}
	r.Corrected = fixed
	return fixed, r
}

func relativeField(field, v string) (string, Rewrite) {
	trimmed := strings.TrimSpace(v)
	switch {
	case trimmed == "":
		return "", Rewrite{}
	case strings.HasPrefix(trimmed, "/") && !strings.HasPrefix(trimmed, "//"):
		if trimmed != v {
			return trimmed, Rewrite{Field: field, Rule: RuleWhitespace, Original: v, Corrected: trimmed}
		}
		return v, Rewrite{}
	case isAbsolute(trimmed):
		if rel, ok := relativeFromURL(trimmed); ok {
			return rel, Rewrite{
				Field:     field,
				Rule:      RuleAbsoluteURL,
				Match:     schemeHostRe.FindString(trimmed),
				Original:  v,
				Corrected: rel,
			}
		}
		rel := leadingSlash(schemeHostRe.ReplaceAllString(trimmed, ""))
		return rel, Rewrite{
			Field:     field,
			Rule:      RuleUnparseableURL,
			Match:     schemeHostRe.FindString(trimmed),
			Original:  v,
			Corrected: rel,
		}
	default:
		rel := leadingSlash(trimmed)
		return rel, Rewrite{Field: field, Rule: RuleMissingSlash, Original: v, Corrected: rel}
	}
}

func relativeFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	rel := leadingSlash(u.EscapedPath())
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel, true
}

// stripPath removes an internal host:port from path. When the pair only
// matched once joined to the base, it sits at the head of the path behind the
// base's trailing slash.
func (s *Sanitizer) stripPath(path string) string {
	path = strings.TrimSpace(path)
	if !s.HasInternalHost(path) {
		if candidate := "/" + path; s.HasInternalHost(candidate) {
			return s.stripInternalHost(candidate)
		}
	}
	return s.stripInternalHost(path)
}

// stripInternalHost removes everything up to and including the matched
// host:port, keeping the remainder as a relative path.
func (s *Sanitizer) stripInternalHost(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	for {
		loc := s.detect.FindStringSubmatchIndex(v)
		if loc == nil {
			break
		}
		v = v[loc[3]:]
	}
	rel, _ := normalizeField(FieldPath, v)
	if rel == "" {
		return "/"
	}
	return rel
}

func (s *Sanitizer) firstMatch(values ...string) string {
	for _, v := range values {
		if m := s.match(v); m != "" {
			return m
		}
	}
	return ""
}

func (s *Sanitizer) match(v string) string {
	m := s.detect.FindStringSubmatch(v)
	if m == nil {
		return ""
	}
	return m[1]
}

func (s *Sanitizer) log(before, after Descriptor, rw []Rewrite) {
	if len(rw) == 0 {
		return
	}
	for _, r := range rw {
		level := slog.LevelDebug
		if r.Rule == RuleInternalHost || r.Rule == RuleSafetyNet || r.Rule == RuleAbsoluteBase {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "request.sanitized",
			"method", before.Method,
			"field", r.Field,
			"rule", r.Rule,
			"match", r.Match,
			"original", r.Original,
			"corrected", r.Corrected,
		)
	}
	s.logger.Debug("request.sanitized.summary",
		"method", before.Method,
		"before", before.BaseAddress+before.Path,
		"after", after.BaseAddress+after.Path,
		"rewrites", len(rw),
	)
}

func appendRewrite(rw []Rewrite, field, rule, match, original, corrected string) []Rewrite {
	if original == corrected {
		return rw
	}
	return append(rw, Rewrite{Field: field, Rule: rule, Match: match, Original: original, Corrected: corrected})
}

// repairEscapes encodes every "%" not followed by two hex digits as "%25" and
// percent-encodes control bytes. Valid escapes are left alone.
func repairEscapes(v string) string {
	if !strings.Contains(v, "%") && !hasControl(v) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 8)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '%' && (i+2 >= len(v) || !isHex(v[i+1]) || !isHex(v[i+2])):
			b.WriteString("%25")
		case c < 0x20 || c == 0x7f:
			b.WriteString(url.PathEscape(string(c)))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hasControl(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] == 0x7f {
			return true
		}
	}
	return false
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// isAbsolute reports whether v names a host: it has a scheme followed by
// "//" or is protocol-relative.
func isAbsolute(v string) bool {
	return absoluteRe.MatchString(v)
}

// leadingSlash collapses any run of leading slashes into exactly one.
func leadingSlash(v string) string {
	return "/" + strings.TrimLeft(v, "/")
}
