// Package governor enforces a per-run ceiling on agent steps.
package governor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/cartpilot/agent/stream"
	"go.uber.org/zap"
)

// DefaultCeiling is used when no positive ceiling is configured.
const DefaultCeiling = 25

const placeholderThought = "Processing..."

// StepSummary is what the runtime reports after each step.
type StepSummary struct {
	Thinking string
}

// Stop is a forced-termination instruction. The runtime must end the run
// and report Reason as its terminal result.
type Stop struct {
	Reason string
}

// StepHook is invoked by the agent runtime once per step.
type StepHook interface {
	OnStep(ctx context.Context, step StepSummary) *Stop
}

// StopRecorder receives a count of forced stops.
type StopRecorder interface {
	RecordGovernorStop()
}

// Governor counts steps for one run and publishes progress logs.
type Governor struct {
	mu        sync.Mutex
	ceiling   int
	count     int
	stop      *Stop
	itemIndex *int
	ch        *stream.Channel
	recorder  StopRecorder
	logger    *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithItemIndex prefixes step logs with the 1-based batch item number.
func WithItemIndex(index *int) Option {
	return func(g *Governor) {
		if index != nil {
			i := *index
			g.itemIndex = &i
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithStopRecorder sets the forced-stop metric sink.
func WithStopRecorder(r StopRecorder) Option {
	return func(g *Governor) { g.recorder = r }
}

// New creates a governor writing to ch. A ceiling <= 0 means DefaultCeiling.
func New(ceiling int, ch *stream.Channel, opts ...Option) *Governor {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	g := &Governor{
		ceiling: ceiling,
		ch:      ch,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "step_governor"))
	return g
}

// OnStep implements StepHook. Once the ceiling is reached it keeps returning
// the same Stop without counting or publishing further.
func (g *Governor) OnStep(_ context.Context, step StepSummary) *Stop {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stop != nil {
		return g.stop
	}

	g.count++
	if g.count >= g.ceiling {
		g.stop = &Stop{Reason: StopReason(g.ceiling)}
		g.logger.Warn("max steps reached, forcing stop", zap.Int("ceiling", g.ceiling))
		if g.recorder != nil {
			g.recorder.RecordGovernorStop()
		}
		return g.stop
	}

	thought := strings.TrimSpace(step.Thinking)
	if thought == "" {
		thought = placeholderThought
	}
	g.ch.Publish(stream.Logf("%sStep %d/%d: %s", g.prefix(), g.count, g.ceiling, thought))
	return nil
}

// Steps returns the number of counted steps.
func (g *Governor) Steps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Stopped reports whether the ceiling forced termination.
func (g *Governor) Stopped() (*Stop, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stop, g.stop != nil
}

// Ceiling returns the configured ceiling.
func (g *Governor) Ceiling() int { return g.ceiling }

func (g *Governor) prefix() string {
	if g.itemIndex == nil {
		return ""
	}
	return fmt.Sprintf("[Item %d] ", *g.itemIndex+1)
}

// StopReason is the terminal text for a step-limit termination.
func StopReason(ceiling int) string {
	return fmt.Sprintf("STOPPED: Maximum step limit (%d) reached. Task terminated.", ceiling)
}
