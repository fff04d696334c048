package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	authModeAPIKey      = "api_key"
	authModeBearerToken = "bearer_token"
	authModeOAuthToken  = "oauth_access_token"
	authModeOAuthFile   = "oauth_token_file"
)

// credential is one configured source of provider auth. field names the
// config key it came from so errors can point at it.
type credential struct {
	mode  string
	value string
	field string
}

// pickCredential returns the only candidate with a value. None or several
// set is a configuration error.
func pickCredential(label string, candidates []credential) (credential, error) {
	var set []credential
	fields := make([]string, 0, len(candidates))
	for _, c := range candidates {
		fields = append(fields, c.field)
		c.value = strings.TrimSpace(c.value)
		if c.value != "" {
			set = append(set, c)
		}
	}
	switch len(set) {
	case 1:
		return set[0], nil
	case 0:
		return credential{}, fmt.Errorf("%s credentials are required (set %s)", label, strings.Join(fields, " or "))
	}
	conflicting := make([]string, 0, len(set))
	for _, c := range set {
		conflicting = append(conflicting, c.field)
	}
	sort.Strings(conflicting)
	return credential{}, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", label, strings.Join(conflicting, ", "))
}

func (c credential) strategy() AuthStrategy {
	switch c.mode {
	case authModeOAuthToken:
		return NewBearerTokenAuth(NewStaticTokenSource(c.value, c.field))
	case authModeOAuthFile:
		return NewBearerTokenAuth(NewFileTokenSource(c.value))
	default:
		return NewAPIKeyAuth(NewStaticTokenSource(c.value, c.field))
	}
}

// check fails early when a token file is named but cannot be read.
func (c credential) check() error {
	if c.mode != authModeOAuthFile {
		return nil
	}
	resolved := expandHome(c.value)
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("%s not accessible at %s: %w", c.field, resolved, err)
	}
	return nil
}

// TokenSource returns bearer material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("token is empty for %s", s.Source())
	}
	if looksLikePlaceholder(tok) {
		return "", fmt.Errorf("token for %s looks like an unexpanded placeholder %q", s.Source(), tok)
	}
	return tok, nil
}

// looksLikePlaceholder catches template values such as "<API_KEY>" or
// "${API_KEY}" copied verbatim into a config file.
func looksLikePlaceholder(tok string) bool {
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return true
	}
	return strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}")
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

type fileTokenSource struct {
	path string
}

func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", resolved, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", resolved)
	}
	if strings.HasPrefix(tok, "{") {
		return tokenFromJSON(resolved, []byte(tok))
	}
	return tok, nil
}

func (s *fileTokenSource) Source() string {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved != "" {
		return resolved
	}
	return "token_file"
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

type apiKeyAuth struct {
	source TokenSource
}

func NewAPIKeyAuth(source TokenSource) AuthStrategy {
	return &apiKeyAuth{source: source}
}

func (a *apiKeyAuth) Mode() string {
	return authModeAPIKey
}

func (a *apiKeyAuth) Apply(ctx context.Context, req *http.Request) error {
	return applyBearerAuth(ctx, req, a.source)
}

type bearerTokenAuth struct {
	source TokenSource
}

func NewBearerTokenAuth(source TokenSource) AuthStrategy {
	return &bearerTokenAuth{source: source}
}

func (a *bearerTokenAuth) Mode() string {
	return authModeBearerToken
}

func (a *bearerTokenAuth) Apply(ctx context.Context, req *http.Request) error {
	return applyBearerAuth(ctx, req, a.source)
}

func applyBearerAuth(ctx context.Context, req *http.Request, source TokenSource) error {
	if source == nil {
		return fmt.Errorf("auth token source is nil")
	}
	tok, err := source.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// tokenFromJSON accepts token files written by OAuth helpers, which store
// {"access_token": "..."} rather than a bare token.
func tokenFromJSON(path string, data []byte) (string, error) {
	var payload struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", path, err)
	}
	for _, candidate := range []string{payload.AccessToken, payload.Tokens.AccessToken} {
		if tok := strings.TrimSpace(candidate); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("token file %s has no access_token", path)
}
