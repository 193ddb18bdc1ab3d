package browser

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Action represents a browser action type.
type Action string

const (
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionScroll     Action = "scroll"
	ActionScreenshot Action = "screenshot"
	ActionExtract    Action = "extract"
	ActionWait       Action = "wait"
	ActionBack       Action = "back"
	ActionForward    Action = "forward"
	ActionRefresh    Action = "refresh"
)

// Command is one primitive executed against a page.
type Command struct {
	Action   Action            `json:"action" yaml:"action"`
	Selector string            `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string            `json:"value,omitempty" yaml:"value,omitempty"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Result is the outcome of a Command.
type Result struct {
	Success    bool            `json:"success"`
	Action     Action          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	Screenshot []byte          `json:"screenshot,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
	URL        string          `json:"url,omitempty"`
}

// DefaultArgs are the extra Chrome switches applied to every instance.
var DefaultArgs = []string{"--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"}

// Config configures one browser instance.
type Config struct {
	Headless bool `json:"headless"`
	// ProfileDir persists cookies and login sessions across runs.
	ProfileDir string `json:"profile_dir,omitempty"`
	// KeepAlive marks the instance as shared across runs; runtimes must not
	// tear it down when a run finishes.
	KeepAlive      bool          `json:"keep_alive"`
	Args           []string      `json:"args,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
	UserAgent      string        `json:"user_agent,omitempty"`
	ProxyURL       string        `json:"proxy_url,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       false,
		ProfileDir:     "./browser_profile",
		Args:           append([]string(nil), DefaultArgs...),
		Timeout:        30 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}
}

// WithKeepAlive returns a copy with KeepAlive set.
func (c Config) WithKeepAlive(keep bool) Config {
	c.KeepAlive = keep
	c.Args = append([]string(nil), c.Args...)
	return c
}

// Handle is an acquired browser instance.
type Handle interface {
	ID() string
	Execute(ctx context.Context, cmd Command) (*Result, error)
	KeepAlive() bool
}

// Acquirer creates and releases browser instances.
type Acquirer interface {
	Acquire(ctx context.Context, cfg Config) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

var (
	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("browser: handle released")
	// ErrUnknownHandle is returned when releasing a handle the acquirer did not create.
	ErrUnknownHandle = errors.New("browser: unknown handle")
)
