package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func collect(e *Emitter) []Event {
	var out []Event
	for ev := range e.Events() {
		out = append(out, ev)
	}
	return out
}

func TestEmitter_OrderAndSingleTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEmitter(2)
	ctx := context.Background()

	var got []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got = collect(e)
	}()

	require.NoError(t, e.Progress(ctx, StageInit, "starting"))
	require.NoError(t, e.Question(ctx, map[string]string{"question": "q1"}))
	require.NoError(t, e.Progress(ctx, StageResearch, "researching"))
	require.NoError(t, e.Done("finished", nil))

	// 終端後の送信はすべて拒否される
	assert.ErrorIs(t, e.Done("again", nil), ErrStreamClosed)
	assert.ErrorIs(t, e.Fail("late failure"), ErrStreamClosed)
	assert.ErrorIs(t, e.Progress(ctx, StageDraft, "late"), ErrStreamClosed)

	wg.Wait()

	require.Len(t, got, 4)
	assert.Equal(t, EventProgress, got[0].Type)
	assert.Equal(t, EventQuestion, got[1].Type)
	assert.Equal(t, EventProgress, got[2].Type)
	assert.Equal(t, EventDone, got[3].Type)

	terminals := 0
	for _, ev := range got {
		if ev.IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, e.Terminated())
}

func TestEmitter_FailIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEmitter(4)
	require.NoError(t, e.Progress(context.Background(), StageInit, "starting"))
	require.NoError(t, e.Fail("store unavailable"))

	got := collect(e)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[1].Type)
	assert.Equal(t, "store unavailable", got[1].Message)
}

func TestEmitter_StopUnblocksProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEmitter(1)
	ctx := context.Background()
	require.NoError(t, e.Progress(ctx, StageInit, "fills the buffer"))

	errCh := make(chan error, 1)
	go func() {
		// バッファが満杯なのでリスナーが読むか切断するまでブロックする
		errCh <- e.Progress(ctx, StageResearch, "blocked")
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()
	e.Stop() // 冪等

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Stop")
	}

	assert.ErrorIs(t, e.Done("nobody listening", nil), ErrStreamClosed)
	assert.True(t, e.IsStopped())
}

func TestEmitter_ContextCancellationUnblocksProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEmitter(1)
	require.NoError(t, e.Progress(context.Background(), StageInit, "fills the buffer"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Progress(ctx, StageDraft, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 終端イベントはまだ送出できる
	go func() { _ = e.Fail("aborted") }()
	got := collect(e)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[1].Type)
}

func TestEmitter_BindCancelsOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewEmitter(1)
	ctx, cancel := e.Bind(context.Background())
	defer cancel()

	e.Stop()

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bound context not cancelled after Stop")
	}
}

func TestEvent_WireShape(t *testing.T) {
	b, err := json.Marshal(Event{Type: EventDone})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"done"}`, string(b))

	b, err = json.Marshal(Event{Type: EventProgress, Stage: StageDraft, Message: "drafting"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","stage":"draft","message":"drafting"}`, string(b))
}
