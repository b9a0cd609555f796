package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/n0madic/go-trafficdesk/internal/api"
	"github.com/n0madic/go-trafficdesk/internal/auth"
	"github.com/n0madic/go-trafficdesk/internal/config"
	"github.com/n0madic/go-trafficdesk/internal/resources"
	"github.com/n0madic/go-trafficdesk/internal/sanitize"
)

const commands = "login, logout, info, get, request, sanitize, summary"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: trafficdesk <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands:", commands)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "login":
		os.Exit(cmdLogin())
	case "logout":
		os.Exit(cmdLogout())
	case "info":
		os.Exit(cmdInfo())
	case "get":
		os.Exit(cmdGet())
	case "request":
		os.Exit(cmdRequest())
	case "sanitize":
		os.Exit(cmdSanitize())
	case "summary":
		os.Exit(cmdSummary())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands:", commands)
		os.Exit(1)
	}
}

// clientFlags registers the connection flags shared by every command that
// talks to the backend.
func clientFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "Console origin requests resolve against")
	fs.StringVar(&cfg.BaseAddress, "base", cfg.BaseAddress, "API base address")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.BoolVar(&cfg.SameOrigin, "same-origin", cfg.SameOrigin, "Reject absolute base addresses")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Verbose || cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newSanitizer(cfg *config.Config) *sanitize.Sanitizer {
	return sanitize.New(sanitize.Options{
		InternalHosts: cfg.InternalHosts,
		SameOrigin:    cfg.SameOrigin,
	})
}

func newClient(cfg *config.Config, store auth.Store) (*api.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return api.NewClient(api.Options{
		Origin:      cfg.Origin,
		BaseAddress: cfg.BaseAddress,
		Timeout:     cfg.Timeout,
		Sanitizer:   newSanitizer(cfg),
		Credentials: store,
		SignInRoute: cfg.SignInRoute,
		UserAgent:   "trafficdesk",
		Verbose:     cfg.Verbose,
		Navigate: func(route string) {
			fmt.Fprintf(os.Stderr, "Session expired (%s). Run: trafficdesk login\n", route)
		},
	})
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdLogin() int {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	clientFlags(fs, cfg)
	username := fs.String("username", "", "Account username")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from stdin")
	fs.StringVar(&cfg.TokenPath, "token-path", cfg.TokenPath, "Token endpoint path under the API base")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "OAuth client id")
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	password := os.Getenv("TRAFFICDESK_PASSWORD")
	if *passwordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Error("unable to read password from stdin", "error", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if *username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "Usage: trafficdesk login -username NAME (-password-stdin | TRAFFICDESK_PASSWORD)")
		return 1
	}

	store := auth.NewFileStore(auth.HomeDir())
	client, err := newClient(cfg, nil)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}
	tokenURL, err := client.URL(cfg.TokenPath, nil)
	if err != nil {
		slog.Error("unable to build token URL", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, client.Timeout())
	defer cancelTimeout()

	tok, err := auth.Login(ctx, auth.LoginParams{
		TokenURL:   tokenURL,
		ClientID:   cfg.ClientID,
		Username:   *username,
		Password:   password,
		HTTPClient: client.HTTPClient(),
	})
	if err != nil {
		slog.Error("login failed", "error", err)
		return 1
	}

	store.SetUsername(*username)
	if err := store.Save(tok); err != nil {
		slog.Error("unable to persist credentials", "error", err)
		return 1
	}
	slog.Info("login successful; token saved", "path", store.Path())
	return 0
}

func cmdLogout() int {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	store := auth.NewFileStore(auth.HomeDir())
	if err := store.Clear(); err != nil {
		slog.Error("unable to remove credentials", "error", err)
		return 1
	}
	fmt.Println("Signed out.")
	return 0
}

func infoFlags(cfg *config.Config) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	clientFlags(fs, cfg)
	jsonOut := fs.Bool("json", false, "Output effective configuration as JSON")
	return fs, jsonOut
}

func cmdInfo() int {
	cfg := config.DefaultFromEnv()
	fs, jsonOut := infoFlags(cfg)
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	san := newSanitizer(cfg)
	store := auth.NewFileStore(auth.HomeDir())
	tok, tokErr := store.Token()

	if *jsonOut {
		out := map[string]any{
			"origin":         cfg.Origin,
			"base_address":   cfg.BaseAddress,
			"timeout":        cfg.Timeout.String(),
			"same_origin":    san.SameOrigin(),
			"internal_hosts": san.InternalHosts(),
			"signed_in":      tokErr == nil,
		}
		if tokErr == nil && !tok.Expiry.IsZero() {
			out["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Println("Connection")
	fmt.Printf("  • Origin: %s\n", cfg.Origin)
	fmt.Printf("  • API base: %s\n", cfg.BaseAddress)
	if san.HasInternalHost(cfg.BaseAddress) {
		fmt.Printf("  • Warning: base names an internal host; requests will use %s\n", san.DefaultBase())
	}
	fmt.Printf("  • Timeout: %s\n", cfg.Timeout)
	fmt.Printf("  • Internal hosts: %s\n", strings.Join(san.InternalHosts(), ", "))
	fmt.Println()

	fmt.Println("Account")
	if tokErr != nil {
		fmt.Println("  • Not signed in")
		fmt.Println("  • Run: trafficdesk login")
		return 0
	}

	claims, _ := auth.ParseJWTClaims(tok.AccessToken)
	user := auth.ClaimString(claims, "sub")
	if user == "" {
		user = store.Username()
	}
	if user == "" {
		user = "<unknown>"
	}
	fmt.Printf("  • Login: %s\n", user)
	if role := auth.ClaimString(claims, "role"); role != "" {
		fmt.Printf("  • Role: %s\n", role)
	}
	if tok.Expiry.IsZero() {
		fmt.Println("  • Expires: unknown")
	} else if remaining := time.Until(tok.Expiry); remaining <= 0 {
		fmt.Printf("  • Expired at %s\n", formatLocalDateTime(tok.Expiry))
	} else {
		fmt.Printf("  • Expires in %s at %s\n", formatRemaining(remaining), formatLocalDateTime(tok.Expiry))
	}
	return 0
}

func cmdGet() int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	clientFlags(fs, cfg)
	var params queryFlag
	fs.Var(&params, "q", "Query parameter key=value (repeatable)")
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trafficdesk get [flags] <resource|path>")
		fmt.Fprintln(os.Stderr, "Resources:", strings.Join(resources.Names(), ", "))
		return 1
	}
	client, err := newClient(cfg, auth.NewFileStore(auth.HomeDir()))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	target := fs.Arg(0)
	var raw json.RawMessage
	if _, ok := resources.Lookup(target); ok {
		raw, err = resources.List(ctx, client, target, params.values())
	} else {
		err = client.Get(ctx, target, params.values(), &raw)
	}
	if err != nil {
		return reportError(err)
	}
	return printJSON(raw)
}

func cmdRequest() int {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	clientFlags(fs, cfg)
	method := fs.String("X", "GET", "HTTP method")
	data := fs.String("d", "", "JSON request body")
	var params queryFlag
	fs.Var(&params, "q", "Query parameter key=value (repeatable)")
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trafficdesk request [-X METHOD] [-d JSON] <path>")
		return 1
	}

	var body any
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			fmt.Fprintln(os.Stderr, "request body is not valid JSON")
			return 1
		}
		body = json.RawMessage(*data)
	}

	client, err := newClient(cfg, auth.NewFileStore(auth.HomeDir()))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	var raw json.RawMessage
	err = client.Do(ctx, &api.Request{
		Method: *method,
		Path:   fs.Arg(0),
		Query:  params.values(),
		Body:   body,
	}, &raw)
	if err != nil {
		return reportError(err)
	}
	if len(raw) == 0 {
		return 0
	}
	return printJSON(raw)
}

func cmdSanitize() int {
	fs := flag.NewFlagSet("sanitize", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	fs.StringVar(&cfg.BaseAddress, "base", cfg.BaseAddress, "Base address to check")
	fs.BoolVar(&cfg.SameOrigin, "same-origin", cfg.SameOrigin, "Reject absolute base addresses")
	method := fs.String("X", "GET", "HTTP method")
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	path := ""
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	in := sanitize.Descriptor{Method: strings.ToUpper(*method), BaseAddress: cfg.BaseAddress, Path: path}
	out, rewrites := newSanitizer(cfg).Inspect(in)

	fmt.Printf("before: base=%q path=%q\n", in.BaseAddress, in.Path)
	fmt.Printf("after:  base=%q path=%q\n", out.BaseAddress, out.Path)
	fmt.Printf("target: %s\n", out.Target())
	if len(rewrites) == 0 {
		fmt.Println("no rewrites")
		return 0
	}
	for _, r := range rewrites {
		line := fmt.Sprintf("  • %s [%s] %q -> %q", r.Field, r.Rule, r.Original, r.Corrected)
		if r.Match != "" {
			line += fmt.Sprintf(" (matched %s)", r.Match)
		}
		fmt.Println(line)
	}
	return 0
}

func cmdSummary() int {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	clientFlags(fs, cfg)
	fs.Parse(os.Args[2:])
	setupLogging(cfg)

	client, err := newClient(cfg, auth.NewFileStore(auth.HomeDir()))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	counts, err := resources.Summarize(ctx, client, fs.Args())
	if err != nil {
		return reportError(err)
	}

	failed := 0
	for _, c := range counts {
		if c.Err != nil {
			failed++
			fmt.Printf("  %-14s error: %s\n", c.Name, describeError(c.Err))
			continue
		}
		fmt.Printf("  %-14s %d\n", c.Name, c.Items)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// queryFlag collects repeated -q key=value flags.
type queryFlag []string

func (q *queryFlag) String() string { return strings.Join(*q, "&") }

func (q *queryFlag) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	*q = append(*q, v)
	return nil
}

func (q queryFlag) values() url.Values {
	if len(q) == 0 {
		return nil
	}
	out := url.Values{}
	for _, kv := range q {
		k, v, _ := strings.Cut(kv, "=")
		out.Add(k, v)
	}
	return out
}

func printJSON(raw json.RawMessage) int {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return 0
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
	return 0
}

func reportError(err error) int {
	fmt.Fprintln(os.Stderr, describeError(err))
	return 1
}

func describeError(err error) string {
	var serr *api.StatusError
	switch {
	case errors.As(err, &serr):
		return api.FormatStatusError(serr.StatusCode, serr.Body, serr.Header)
	case errors.Is(err, api.ErrTimeout):
		return err.Error() + " (retry the request)"
	default:
		return err.Error()
	}
}

func formatLocalDateTime(t time.Time) string {
	local := t.Local()
	return fmt.Sprintf("%s %s", local.Format("Jan 02, 2006 15:04"), local.Format("MST"))
}

func formatRemaining(d time.Duration) string {
	v := int(d.Seconds())
	days := v / 86400
	v %= 86400
	hours := v / 3600
	v %= 3600
	minutes := v / 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if len(parts) == 0 {
		parts = append(parts, "under 1m")
	}
	return strings.Join(parts, " ")
}
