package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Channel ---

func TestChannel_PreservesOrder(t *testing.T) {
	ch := NewChannel()
	for i := 0; i < 100; i++ {
		require.True(t, ch.Publish(Logf("step %d", i)))
	}
	require.True(t, ch.Close())

	var got []string
	err := ch.Drain(context.Background(), func(e Event) error {
		got = append(got, e.Content.(string))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 100)
	assert.Equal(t, "step 0", got[0])
	assert.Equal(t, "step 99", got[99])
}

func TestChannel_SentinelIsLast(t *testing.T) {
	ch := NewChannel()
	ch.Publish(Result("done"))

	assert.True(t, ch.Close())
	assert.False(t, ch.Close(), "second close must not emit another sentinel")
	assert.False(t, ch.Publish(Log("late")), "no events after the sentinel")

	e, ok, err := ch.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindResult, e.Type)

	_, ok, err = ch.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// 多次读取哨兵保持稳定
	_, ok, _ = ch.Next(context.Background())
	assert.False(t, ok)
}

func TestChannel_NextBlocksUntilPublish(t *testing.T) {
	ch := NewChannel()

	got := make(chan Event, 1)
	go func() {
		e, ok, err := ch.Next(context.Background())
		if err == nil && ok {
			got <- e
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was published")
	case <-time.After(20 * time.Millisecond):
	}

	ch.Publish(Log("hello"))
	select {
	case e := <-got:
		assert.Equal(t, "hello", e.Content)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestChannel_NextHonorsContext(t *testing.T) {
	ch := NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := ch.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_ConcurrentProducers(t *testing.T) {
	ch := NewChannel()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ch.Publish(Log("x"))
			}
		}()
	}
	go func() {
		wg.Wait()
		ch.Close()
	}()

	count := 0
	err := ch.Drain(context.Background(), func(Event) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, producers*perProducer, count)
}

// --- Event ---

func TestEvent_JSONShape(t *testing.T) {
	idx := 2
	e := New(KindRequestInput, "Enter OTP").WithSession("s1").WithItem(&idx)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_input","content":"Enter OTP","session_id":"s1","batch_item_index":2}`, string(data))

	idx = 5
	assert.Equal(t, 2, *e.ItemIndex, "WithItem must copy the index")
}

func TestEvent_OmitsEmptyScope(t *testing.T) {
	data, err := json.Marshal(Log("Step 1/25: Processing..."))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","content":"Step 1/25: Processing..."}`, string(data))
}

func TestLog_KeepsPercent(t *testing.T) {
	assert.Equal(t, "100% done", Log("100% done").Content)
	assert.Equal(t, KindLog, Log("100% done").Type)
}

func TestLogf(t *testing.T) {
	e := Logf("Item %d FAILED: %s", 2, "out of stock")
	assert.Equal(t, KindLog, e.Type)
	assert.Equal(t, "Item 2 FAILED: out of stock", e.Content)
}

func TestKind_IsDecisionRequest(t *testing.T) {
	assert.True(t, KindRequestInput.IsDecisionRequest())
	assert.True(t, KindOptions.IsDecisionRequest())
	assert.False(t, KindLog.IsDecisionRequest())
	assert.False(t, KindBatchStatus.IsDecisionRequest())
}

func TestEncodeSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSSE(&buf, ErrorEvent("boom")))
	assert.Equal(t, "data: {\"type\":\"error\",\"content\":\"boom\"}\n\n", buf.String())
}
