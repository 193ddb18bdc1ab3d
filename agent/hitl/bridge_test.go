package hitl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerNext 等待下一条决策提示并以 answer 作答，返回该提示。
func answerNext(t *testing.T, reg *Registry, ch *stream.Channel, answer string) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		e, ok, err := ch.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok, "channel closed before a decision prompt")
		if !e.Type.IsDecisionRequest() {
			continue
		}
		require.NoError(t, reg.Resolve(e.SessionID, answer))
		return e
	}
}

func newTestBridge(scope Scope, opts ...BridgeOption) (*Bridge, *Registry, *stream.Channel) {
	reg := NewRegistry(nil)
	ch := stream.NewChannel()
	return NewBridge(scope, reg, ch, nil, opts...), reg, ch
}

type invokeResult struct {
	res ActionResult
	err error
}

func invokeAsync(fn func() (ActionResult, error)) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		res, err := fn()
		out <- invokeResult{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan invokeResult) (ActionResult, error) {
	t.Helper()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("capability did not return")
		return ActionResult{}, nil
	}
}

// --- ask_user ---

func TestBridge_AskUser(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"YES", "USER CONFIRMED: 'YES'. Proceed with the action. Do NOT ask again."},
		{" add to cart ", "USER CONFIRMED: ' add to cart '. Proceed with the action. Do NOT ask again."},
		{"Don't", "USER DECLINED: 'Don't'. Do NOT proceed. Inform user you cancelled."},
		{"482913", "USER PROVIDED: '482913'. Use this value. Do NOT ask again."},
		{"yes please", "USER PROVIDED: 'yes please'. Use this value. Do NOT ask again."},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
			done := invokeAsync(func() (ActionResult, error) {
				return b.AskUser(context.Background(), "Enter the OTP")
			})

			prompt := answerNext(t, reg, ch, tt.answer)
			assert.Equal(t, stream.KindRequestInput, prompt.Type)
			assert.Equal(t, "Enter the OTP", prompt.Content)
			assert.Equal(t, "s1", prompt.SessionID)
			assert.Nil(t, prompt.ItemIndex)

			res, err := await(t, done)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExtractedContent)
			assert.False(t, res.IsDone)
		})
	}
}

func TestBridge_PromptCarriesItemIndex(t *testing.T) {
	idx := 3
	b, reg, ch := newTestBridge(Scope{SessionID: "batch_item_3", ItemIndex: &idx})
	done := invokeAsync(func() (ActionResult, error) {
		return b.AskUser(context.Background(), "Login?")
	})

	prompt := answerNext(t, reg, ch, "ok")
	require.NotNil(t, prompt.ItemIndex)
	assert.Equal(t, 3, *prompt.ItemIndex)
	assert.Equal(t, "batch_item_3", prompt.SessionID)

	_, err := await(t, done)
	require.NoError(t, err)
}

// --- indexed choices ---

func TestBridge_ShowProductChoices(t *testing.T) {
	products := []ProductOption{
		{ProductName: "Phone A", Price: "₹9,999", Rating: "4.3", ProductURL: "https://example.com/a"},
		{ProductName: "Phone B", Price: "₹12,499", Rating: "4.5", ProductURL: "https://example.com/b"},
	}

	t.Run("valid index terminates with product json", func(t *testing.T) {
		b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
		done := invokeAsync(func() (ActionResult, error) {
			return b.ShowProductChoices(context.Background(), ProductChoicesArgs{Products: products})
		})

		prompt := answerNext(t, reg, ch, "1")
		assert.Equal(t, stream.KindProductChoices, prompt.Type)
		content := prompt.Content.(map[string]any)
		assert.Equal(t, defaultProductMessage, content["message"])

		res, err := await(t, done)
		require.NoError(t, err)
		assert.True(t, res.IsDone)
		assert.True(t, res.Success)
		assert.JSONEq(t, `{"product_name":"Phone B","price":"₹12,499","rating":"4.5","product_url":"https://example.com/b"}`, res.ExtractedContent)
	})

	for _, answer := range []string{"2", "-1", "first", ""} {
		t.Run("fallback "+answer, func(t *testing.T) {
			b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
			done := invokeAsync(func() (ActionResult, error) {
				return b.ShowProductChoices(context.Background(), ProductChoicesArgs{Products: products})
			})
			answerNext(t, reg, ch, answer)

			res, err := await(t, done)
			require.NoError(t, err)
			assert.False(t, res.IsDone)
			assert.Equal(t, "User response: "+answer, res.ExtractedContent)
		})
	}
}

func TestBridge_ShowAddressChoices(t *testing.T) {
	addresses := []AddressOption{
		{Name: "Asha Rao", Phone: "9876543210", Address: "12 MG Road, Bengaluru", AddressType: "HOME"},
		{Name: "+ Add New Address", Address: ""},
		{Name: "Office", Address: "Tech Park", AddressType: "NEW"},
	}

	tests := []struct {
		answer string
		want   string
	}{
		{"0", "USER SELECTED ADDRESS #1: Asha Rao, 12 MG Road, Bengaluru. ACTION REQUIRED: Check if this address already has 'Deliver Here' button visible. " +
			"If YES → click 'Deliver Here' directly. If NO → first click the RADIO BUTTON next to this address, wait 2 seconds for 'Deliver Here' to appear, then click it."},
		{"1", newAddressInstruction},
		{"2", newAddressInstruction},
		{"7", "User response: 7"},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
			done := invokeAsync(func() (ActionResult, error) {
				return b.ShowAddressChoices(context.Background(), AddressChoicesArgs{Addresses: addresses})
			})
			prompt := answerNext(t, reg, ch, tt.answer)
			assert.Equal(t, stream.KindAddressChoices, prompt.Type)

			res, err := await(t, done)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExtractedContent)
		})
	}
}

func TestBridge_ShowAddressChoices_BatchItem(t *testing.T) {
	idx := 1
	b, reg, ch := newTestBridge(Scope{SessionID: "b_item_1", ItemIndex: &idx}, WithoutProductChoice())
	done := invokeAsync(func() (ActionResult, error) {
		return b.ShowAddressChoices(context.Background(), AddressChoicesArgs{Addresses: []AddressOption{
			{Name: "Asha Rao", Address: "12 MG Road, Bengaluru"},
		}})
	})
	answerNext(t, reg, ch, "0")

	res, err := await(t, done)
	require.NoError(t, err)
	assert.Equal(t, "USER SELECTED ADDRESS #1: Asha Rao, 12 MG Road, Bengaluru. Click 'DELIVER HERE' for this address.", res.ExtractedContent)
}

func TestBridge_ShowPaymentChoices(t *testing.T) {
	payments := []PaymentOption{{Method: "UPI"}, {Method: "Cash on Delivery", Description: "Pay at door"}}

	b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
	done := invokeAsync(func() (ActionResult, error) {
		return b.ShowPaymentChoices(context.Background(), PaymentChoicesArgs{Payments: payments, Message: "Pick one"})
	})
	prompt := answerNext(t, reg, ch, " 1 ")
	assert.Equal(t, "Pick one", prompt.Content.(map[string]any)["message"])

	res, err := await(t, done)
	require.NoError(t, err)
	assert.Equal(t, "USER SELECTED PAYMENT: Cash on Delivery. Click this payment option on the page.", res.ExtractedContent)
}

func TestBridge_ShowOptions(t *testing.T) {
	options := []OptionItem{{Label: "1", Value: "qty-1"}, {Label: "Blue"}}

	tests := []struct {
		answer string
		want   string
	}{
		{"0", "USER SELECTED: 1 (value: qty-1). Proceed with this selection."},
		{"1", "USER SELECTED: Blue (value: Blue). Proceed with this selection."},
		{"blue", "User response: blue"},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
			done := invokeAsync(func() (ActionResult, error) {
				return b.ShowOptions(context.Background(), OptionsArgs{Options: options, Message: "Choose"})
			})
			prompt := answerNext(t, reg, ch, tt.answer)
			assert.Equal(t, "general", prompt.Content.(map[string]any)["option_type"])

			res, err := await(t, done)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExtractedContent)
		})
	}
}

// --- lifecycle ---

func TestBridge_CancelUnblocksCapability(t *testing.T) {
	b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
	done := invokeAsync(func() (ActionResult, error) {
		return b.AskUser(context.Background(), "Password?")
	})

	e, ok, err := ch.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stream.KindRequestInput, e.Type)

	assert.True(t, reg.Cancel("s1"))
	_, err = await(t, done)
	assert.ErrorIs(t, err, ErrDecisionCanceled)
}

func TestBridge_ReleaseCancelsOwnDecision(t *testing.T) {
	b, reg, _ := newTestBridge(Scope{SessionID: "s1"})
	assert.False(t, b.Release(), "nothing registered yet")

	done := invokeAsync(func() (ActionResult, error) {
		return b.AskUser(context.Background(), "Password?")
	})
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, b.Release())
	_, err := await(t, done)
	assert.ErrorIs(t, err, ErrDecisionCanceled)
	assert.Zero(t, reg.Len())
}

func TestBridge_ReleaseIgnoresForeignDecision(t *testing.T) {
	reg := NewRegistry(nil)
	foreign, err := reg.Register("s1", stream.New(stream.KindRequestInput, "Enter OTP"))
	require.NoError(t, err)

	b := NewBridge(Scope{SessionID: "s1"}, reg, stream.NewChannel(), nil)
	_, err = b.AskUser(context.Background(), "Proceed?")
	assert.ErrorIs(t, err, ErrDecisionPending)

	assert.False(t, b.Release())
	assert.Equal(t, 1, reg.Len())
	require.NoError(t, reg.Resolve("s1", "123456"))
	answer, err := foreign.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456", answer)
}

func TestBridge_ContextCancelReleasesSlot(t *testing.T) {
	b, reg, _ := newTestBridge(Scope{SessionID: "s1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := invokeAsync(func() (ActionResult, error) {
		return b.AskUser(ctx, "Password?")
	})

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	_, err := await(t, done)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Len())
}

func TestBridge_PromptPublishedAfterRegistration(t *testing.T) {
	b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
	done := invokeAsync(func() (ActionResult, error) {
		return b.AskUser(context.Background(), "q")
	})

	e, ok, err := ch.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// 观察者看到提示时，决策槽一定已经存在
	_, pending := reg.Get(e.SessionID)
	assert.True(t, pending)
	require.NoError(t, reg.Resolve("s1", "no"))

	res, err := await(t, done)
	require.NoError(t, err)
	assert.Contains(t, res.ExtractedContent, "USER DECLINED")
}

// --- capability set ---

func TestBridge_Capabilities(t *testing.T) {
	b, _, _ := newTestBridge(Scope{SessionID: "s1"})
	names := capabilityNames(b.Capabilities())
	assert.Equal(t, []string{
		CapabilityAskUser, CapabilityProductChoices, CapabilityAddressChoices,
		CapabilityPaymentChoices, CapabilityOptions,
	}, names)

	b, _, _ = newTestBridge(Scope{SessionID: "s1"}, WithoutProductChoice())
	assert.NotContains(t, capabilityNames(b.Capabilities()), CapabilityProductChoices)

	for _, c := range b.Capabilities() {
		assert.NotEmpty(t, c.Description())
		assert.True(t, json.Valid(c.Schema()), c.Name())
	}
}

func TestCapability_InvokeValidatesArgs(t *testing.T) {
	b, reg, ch := newTestBridge(Scope{SessionID: "s1"})
	caps := map[string]Capability{}
	for _, c := range b.Capabilities() {
		caps[c.Name()] = c
	}

	_, err := caps[CapabilityAskUser].Invoke(context.Background(), json.RawMessage(`{"question": 42}`))
	require.Error(t, err)

	_, err = caps[CapabilityOptions].Invoke(context.Background(), json.RawMessage(`{"options": []}`))
	require.Error(t, err, "message is required")

	_, err = caps[CapabilityAddressChoices].Invoke(context.Background(), json.RawMessage(`{"addresses": [{"name": "x"}]}`))
	require.Error(t, err, "address is required")

	assert.Equal(t, 0, reg.Len(), "invalid args must not create a decision")
	assert.False(t, ch.Closed())

	done := invokeAsync(func() (ActionResult, error) {
		return caps[CapabilityPaymentChoices].Invoke(context.Background(),
			json.RawMessage(`{"payments":[{"method":"COD"},{"method":"UPI"}]}`))
	})
	answerNext(t, reg, ch, "1")
	res, err := await(t, done)
	require.NoError(t, err)
	assert.Equal(t, "USER SELECTED PAYMENT: UPI. Click this payment option on the page.", res.ExtractedContent)
}

func TestValidateArgs_UnknownCapability(t *testing.T) {
	assert.Error(t, ValidateArgs("click", json.RawMessage(`{}`)))
}

func capabilityNames(caps []Capability) []string {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name())
	}
	return names
}
