package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderScript = `
scripts:
  - name: order
    match: "complete purchase"
    steps:
      - thinking: "open product"
        browser:
          - action: navigate
            value: "$TARGET"
      - thinking: "confirm"
        capability: ask_user
        args:
          question: "Place order? (yes/no)"
    result: "Order placed successfully. Order ID: 1"
    usage:
      input_tokens: 10
      output_tokens: 5
      total_tokens: 15
      total_cost: 0.01
  - name: fallback
    steps:
      - thinking: "nothing to do"
    result: "idle"
`

// answerWhenAsked resolves the session's decision as soon as it is registered.
func answerWhenAsked(t *testing.T, registry *hitl.Registry, session, answer string) {
	t.Helper()
	go func() {
		assert.Eventually(t, func() bool { return registry.Resolve(session, answer) == nil }, 2*time.Second, time.Millisecond)
	}()
}

func orderTask(t *testing.T) prompt.Task {
	t.Helper()
	task, err := prompt.Build(prompt.Params{
		Platform:   prompt.PlatformAmazon,
		Action:     prompt.ActionOrder,
		ProductURL: "https://www.amazon.in/dp/B0TEST",
		Quantity:   1,
	})
	require.NoError(t, err)
	return task
}

func TestParse(t *testing.T) {
	scripts, err := Parse([]byte(orderScript))
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "order", scripts[0].Name)
	assert.Equal(t, browser.ActionNavigate, scripts[0].Steps[0].Browser[0].Action)
	assert.Equal(t, 15, scripts[0].Usage.TotalTokens)

	_, err = Parse([]byte("scripts: []"))
	assert.Error(t, err)

	_, err = Parse([]byte("scripts:\n  - name: x\n    unknown: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Parse([]byte("scripts:\n  - name: x\n    steps:\n      - args: {a: 1}\n"))
	assert.Error(t, err)
}

func TestLoad_Default(t *testing.T) {
	scripts, err := Load("")
	require.NoError(t, err)
	names := make([]string, 0, len(scripts))
	for _, s := range scripts {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"amazon-search", "flipkart-search", "order"}, names)
}

func TestRuntime_OrderConfirmed(t *testing.T) {
	scripts, err := Parse([]byte(orderScript))
	require.NoError(t, err)

	registry := hitl.NewRegistry(nil)
	acq := browser.NewMemoryAcquirer()
	h, err := acq.Acquire(context.Background(), browser.DefaultConfig())
	require.NoError(t, err)

	driver := runner.NewDriver(New(scripts, nil), registry, nil)
	answerWhenAsked(t, registry, "s1", "yes")

	ch := stream.NewChannel()
	out := driver.Run(context.Background(), runner.Spec{
		Scope:   hitl.Scope{SessionID: "s1"},
		Action:  prompt.ActionOrder,
		Task:    orderTask(t),
		Browser: h,
	}, ch)

	require.NoError(t, out.Err)
	assert.Equal(t, "Order placed successfully. Order ID: 1", out.Result)
	assert.Equal(t, 2, out.Steps)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	history := h.(*browser.MemoryHandle).History()
	require.Len(t, history, 1)
	assert.Equal(t, "https://www.amazon.in/dp/B0TEST", history[0].Value)
}

func TestRuntime_OrderDeclined(t *testing.T) {
	scripts, err := Parse([]byte(orderScript))
	require.NoError(t, err)

	registry := hitl.NewRegistry(nil)
	driver := runner.NewDriver(New(scripts, nil), registry, nil)
	answerWhenAsked(t, registry, "s2", "No")

	out := driver.Run(context.Background(), runner.Spec{
		Scope:  hitl.Scope{SessionID: "s2"},
		Action: prompt.ActionOrder,
		Task:   orderTask(t),
	}, stream.NewChannel())

	require.NoError(t, out.Err)
	assert.Equal(t, "USER DECLINED: 'No'. Do NOT proceed. Inform user you cancelled.", out.Result)
}

func TestRuntime_DefaultSearchPicksProduct(t *testing.T) {
	scripts, err := Load("")
	require.NoError(t, err)

	registry := hitl.NewRegistry(nil)
	acq := browser.NewMemoryAcquirer()
	h, err := acq.Acquire(context.Background(), browser.DefaultConfig())
	require.NoError(t, err)

	task, err := prompt.Build(prompt.Params{Platform: prompt.PlatformAmazon, Action: prompt.ActionSearch, Query: "headphones"})
	require.NoError(t, err)

	answerWhenAsked(t, registry, "s3", "1")
	out := runner.NewDriver(New(scripts, nil), registry, nil).Run(context.Background(), runner.Spec{
		Scope:   hitl.Scope{SessionID: "s3"},
		Action:  prompt.ActionSearch,
		Task:    task,
		Browser: h,
	}, stream.NewChannel())

	require.NoError(t, out.Err)
	assert.Contains(t, out.Result, "JBL Tune 510BT")
	typed := h.(*browser.MemoryHandle).History()[1]
	assert.Equal(t, "headphones", typed.Value)
}

func TestRuntime_NoMatch(t *testing.T) {
	rt := New([]Script{{Name: "only-order", Match: "complete purchase"}}, nil)
	_, err := rt.Run(context.Background(), runner.Request{Task: "Search for products on Flipkart: tv"})
	assert.ErrorIs(t, err, ErrNoScript)
}

type failingHandle struct{ calls int }

func (f *failingHandle) ID() string      { return "broken" }
func (f *failingHandle) KeepAlive() bool { return false }
func (f *failingHandle) Execute(context.Context, browser.Command) (*browser.Result, error) {
	f.calls++
	return nil, errors.New("element not found")
}

func TestRuntime_TooManyFailures(t *testing.T) {
	cmds := []browser.Command{{Action: browser.ActionClick, Selector: "#a"}, {Action: browser.ActionClick, Selector: "#b"}}
	rt := New([]Script{{Name: "s", Steps: []Step{{Browser: cmds}, {Browser: cmds}}}}, nil)

	h := &failingHandle{}
	_, err := rt.Run(context.Background(), runner.Request{Task: "x", Browser: h, MaxFailures: 3, MaxActionsPerStep: 4})
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, 3, h.calls)
}

func TestRuntime_ActionLimitTruncates(t *testing.T) {
	acq := browser.NewMemoryAcquirer()
	h, err := acq.Acquire(context.Background(), browser.DefaultConfig())
	require.NoError(t, err)

	cmds := make([]browser.Command, 6)
	for i := range cmds {
		cmds[i] = browser.Command{Action: browser.ActionScroll}
	}
	rt := New([]Script{{Name: "s", Steps: []Step{{Browser: cmds}}, Result: "ok"}}, nil)
	hist, err := rt.Run(context.Background(), runner.Request{Task: "x", Browser: h, MaxActionsPerStep: 4})
	require.NoError(t, err)
	assert.Equal(t, "ok", hist.FinalResult())
	assert.Len(t, h.(*browser.MemoryHandle).History(), 4)
}

func TestRuntime_FailStep(t *testing.T) {
	rt := New([]Script{{Name: "s", Steps: []Step{{Fail: "anti-bot page"}}}}, nil)
	_, err := rt.Run(context.Background(), runner.Request{Task: "x"})
	assert.EqualError(t, err, "anti-bot page")
}
