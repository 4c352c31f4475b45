// Package gate は起動時チェックが終わるまで処理の開始を保留する読み取り可能なゲートを提供する
//
// 状態は uninitialized → gated → released の一方向にのみ遷移する。
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State はゲートの状態
type State int

const (
	StateUninitialized State = iota
	StateGated
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateGated:
		return "gated"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrAwaitTimeout はタイムアウトまでにゲートが開かなかったことを示す
	ErrAwaitTimeout = errors.New("gate: await timed out")
	// ErrInvalidTransition は許可されていない状態遷移
	ErrInvalidTransition = errors.New("gate: invalid transition")
)

// Gate は起動待ちのゲート
type Gate struct {
	clock clockwork.Clock

	mu       sync.Mutex
	state    State
	released chan struct{}
}

// Option は Gate のオプション設定
type Option func(*Gate)

// WithClock は時計を差し替える
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) {
		g.clock = clock
	}
}

// New は uninitialized 状態のゲートを作成する
func New(opts ...Option) *Gate {
	g := &Gate{
		clock:    clockwork.NewRealClock(),
		state:    StateUninitialized,
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State は現在の状態を返す
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Hold はゲートを閉じる（uninitialized → gated）
func (g *Gate) Hold() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateUninitialized {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.state, StateGated)
	}
	g.state = StateGated
	return nil
}

// Release はゲートを開き、待機中の Await をすべて解放する（gated → released）
// released に対する再呼び出しは何もしない
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateReleased:
		return nil
	case StateGated:
		g.state = StateReleased
		close(g.released)
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.state, StateReleased)
	}
}

// Await はゲートが開くまで待機する
// timeout が 0 以下の場合は ctx が終わるまで待つ
func (g *Gate) Await(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := g.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	select {
	case <-g.released:
		return nil
	default:
	}

	select {
	case <-g.released:
		return nil
	case <-expired:
		return fmt.Errorf("%w after %s (state=%s)", ErrAwaitTimeout, timeout, g.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}
