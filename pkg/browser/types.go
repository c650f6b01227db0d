package browser

import (
	"errors"
	"fmt"
	"time"
)

// Default values for browser instances
const (
	// DefaultViewportWidth is the fixed browser viewport width in pixels
	DefaultViewportWidth = 1920

	// DefaultViewportHeight is the fixed browser viewport height in pixels
	DefaultViewportHeight = 1080

	// DefaultTimeout is the default per-action timeout
	DefaultTimeout = 30 * time.Second

	// DefaultMaxElements caps the interactive elements reported by PageInfo
	DefaultMaxElements = 50

	// DefaultWait is used when a wait action carries no duration
	DefaultWait = 2 * time.Second

	// ScrollDistance is how far one scroll action moves the page, in pixels
	ScrollDistance = 500
)

var (
	// ErrInstanceNotFound is returned when a session has no live browser.
	ErrInstanceNotFound = errors.New("browser instance not found")

	// ErrAlreadyLaunched is returned when a session already has a browser.
	ErrAlreadyLaunched = errors.New("browser already launched for session")

	// ErrElementNotFound is returned when no resolution strategy matches a target.
	ErrElementNotFound = errors.New("element not found")

	// ErrStopping is returned by actions waiting on a browser that is being closed.
	ErrStopping = errors.New("browser is stopping")

	// ErrNavigationDenied is returned when a URL is rejected by the navigation guard.
	ErrNavigationDenied = errors.New("navigation denied")

	// ErrNotInControl is returned when the caller does not hold control of
	// the session and the action was issued with NoWait, or when a user
	// action targets a paused or finished session.
	ErrNotInControl = errors.New("caller does not hold control of the session")
)

// LaunchError reports a browser that could not be started. The session is
// moved to ERROR before it is returned.
type LaunchError struct {
	SessionID string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch browser for session %s: %v", e.SessionID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// LaunchOptions configures a new browser.
type LaunchOptions struct {
	// Display is the X display to render on, e.g. ":99". Empty uses the
	// process environment.
	Display string

	// Headless controls whether the browser runs without a visible window
	Headless bool

	Viewport Viewport

	// Timeout sets the default timeout for page operations
	Timeout time.Duration

	// ExecPath optionally selects a Chromium binary.
	ExecPath string
}

// Args returns the Chromium command line flags for these options.
func (o LaunchOptions) Args() []string {
	args := []string{
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		fmt.Sprintf("--window-size=%d,%d", o.Viewport.Width, o.Viewport.Height),
		"--start-maximized",
	}
	if o.Display != "" {
		args = append(args, "--display="+o.Display)
	}
	return args
}

// Element is one interactive element reported to the navigator.
type Element struct {
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Href        string `json:"href,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
}

// PageInfo is a compact view of the current page.
type PageInfo struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Elements []Element `json:"elements"`
}

// Options configures a Controller.
type Options struct {
	Viewport    Viewport
	Timeout     time.Duration
	ExecPath    string
	MaxElements int
}

func (o *Options) setDefaults() {
	if o.Viewport.Width == 0 || o.Viewport.Height == 0 {
		o.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxElements == 0 {
		o.MaxElements = DefaultMaxElements
	}
}

// ActionOption modifies a single controller action.
type ActionOption func(*actionConfig)

type actionConfig struct {
	asUser bool
	noWait bool
}

// AsUser marks an action as issued by the human operator. User actions are
// not held back by agent pauses, but are refused while the session itself
// is PAUSED or finished.
func AsUser() ActionOption {
	return func(c *actionConfig) {
		c.asUser = true
	}
}

// NoWait makes an agent action fail with ErrNotInControl instead of
// waiting for the agent to regain control.
func NoWait() ActionOption {
	return func(c *actionConfig) {
		c.noWait = true
	}
}
