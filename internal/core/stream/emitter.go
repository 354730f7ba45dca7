package stream

import (
	"context"
	"errors"
	"sync"
)

// DefaultBufferSize はイベントチャネルの既定バッファ長
const DefaultBufferSize = 16

var (
	// ErrStreamClosed は終端イベント送出後、またはリスナー切断後の送信エラー
	ErrStreamClosed = errors.New("event stream closed")
)

// Emitter は 1 リクエスト分のイベントを 1 リスナーに順序通り配信する
//
// 送信側（コーディネーター）は Progress / Question / Done / Fail を呼び、
// 受信側（トランスポート）は Events() を読み切るか Stop() で切断を通知する。
// 終端イベント（done / error）は高々 1 回だけ送出され、その後チャネルは閉じられる。
type Emitter struct {
	events chan Event
	quit   chan struct{}

	stopOnce sync.Once

	mu         sync.Mutex
	terminated bool
}

// NewEmitter はバッファ長 buffer の Emitter を生成する
func NewEmitter(buffer int) *Emitter {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	return &Emitter{
		events: make(chan Event, buffer),
		quit:   make(chan struct{}),
	}
}

// Events はイベントの受信チャネルを返す。終端イベントの後に閉じられる
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Stop はリスナーの切断を通知する。複数回呼んでも安全
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
}

// Stopped はリスナー切断時に閉じられるチャネルを返す
func (e *Emitter) Stopped() <-chan struct{} {
	return e.quit
}

// IsStopped はリスナーが切断済みかを返す
func (e *Emitter) IsStopped() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

// Terminated は終端イベントを送出済みかを返す
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Bind は Stop() 時にキャンセルされる子コンテキストを返す
// 返された cancel は必ず呼ぶこと（監視用 goroutine を解放する）
func (e *Emitter) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-e.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Progress は進捗イベントを送出する
func (e *Emitter) Progress(ctx context.Context, stage Stage, message string) error {
	return e.send(ctx, Event{Type: EventProgress, Stage: stage, Message: message})
}

// Question は確定した問題を送出する
func (e *Emitter) Question(ctx context.Context, data any) error {
	return e.send(ctx, Event{Type: EventQuestion, Stage: StageApprove, Data: data})
}

// Done は正常終了イベントを送出してストリームを閉じる
func (e *Emitter) Done(message string, data any) error {
	return e.terminate(Event{Type: EventDone, Stage: StageComplete, Message: message, Data: data})
}

// Fail はエラー終了イベントを送出してストリームを閉じる
func (e *Emitter) Fail(message string) error {
	return e.terminate(Event{Type: EventError, Message: message})
}

func (e *Emitter) send(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated || e.IsStopped() {
		return ErrStreamClosed
	}

	select {
	case e.events <- ev:
		return nil
	case <-e.quit:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate は終端イベントを送る。リスナーが読み続けている限り必ず届く
func (e *Emitter) terminate(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return ErrStreamClosed
	}
	e.terminated = true
	defer close(e.events)

	if e.IsStopped() {
		return ErrStreamClosed
	}

	select {
	case e.events <- ev:
		return nil
	case <-e.quit:
		return ErrStreamClosed
	}
}
