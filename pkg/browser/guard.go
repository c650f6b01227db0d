package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// URLGuard decides which URLs navigation may reach. Patterns are globs
// matched against the full URL; "*" matches any run of characters.
type URLGuard struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewURLGuard compiles allow and deny patterns.
func NewURLGuard(allowed, denied []string) (*URLGuard, error) {
	g := &URLGuard{}

	for _, pattern := range allowed {
		c, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed url pattern %q: %w", pattern, err)
		}
		g.allowed = append(g.allowed, c)
	}

	for _, pattern := range denied {
		c, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denied url pattern %q: %w", pattern, err)
		}
		g.denied = append(g.denied, c)
	}

	return g, nil
}

// Check returns ErrNavigationDenied unless rawURL is an http(s) or
// about: URL permitted by the patterns. Deny patterns take precedence.
func (g *URLGuard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNavigationDenied, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "about":
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrNavigationDenied, u.Scheme)
	}

	if g == nil {
		return nil
	}

	for _, pattern := range g.denied {
		if pattern.Match(rawURL) {
			return fmt.Errorf("%w: %s matches a denied pattern", ErrNavigationDenied, rawURL)
		}
	}

	if len(g.allowed) == 0 {
		return nil
	}

	for _, pattern := range g.allowed {
		if pattern.Match(rawURL) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not in the allowed list", ErrNavigationDenied, rawURL)
}
