package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxLocalReadFailures はローカルデバイスで許容する連続読み取り失敗の回数
const maxLocalReadFailures = 5

// LoopOptions はキャプチャループの設定
type LoopOptions struct {
	Policy ReconnectPolicy
	Logger *zap.Logger

	// OnTransition は状態遷移のたびに呼ばれる（同じ状態への遷移も含む）
	OnTransition func(from, to CaptureState)
}

// CaptureLoop は1台のカメラのソースを駆動するゴルーチンを所有する
//
// 状態はループだけが変更し、レジストリやビューアーは読み取るだけ。
type CaptureLoop struct {
	desc         Descriptor
	source       Source
	policy       ReconnectPolicy
	slot         *FrameSlot
	logger       *zap.Logger
	onTransition func(from, to CaptureState)

	mu         sync.RWMutex
	state      CaptureState
	props      Properties
	episode    *ReconnectContext
	lastEp     ReconnectContext // 直近に終わった再接続エピソード
	reconnects int
	lastErr    error
	changed    chan struct{}

	viewers atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

// NewCaptureLoop は新しいCaptureLoopを作成する（Start を呼ぶまで動作しない）
func NewCaptureLoop(desc Descriptor, source Source, opts LoopOptions) *CaptureLoop {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureLoop{
		desc:         desc,
		source:       source,
		policy:       opts.Policy.withDefaults(),
		slot:         NewFrameSlot(),
		logger:       logger.With(zap.String("camera_id", desc.ID), zap.String("kind", string(source.Kind()))),
		onTransition: opts.OnTransition,
		state:        StateIdle,
		changed:      make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start はキャプチャを開始する（2回目以降は何もしない）
func (l *CaptureLoop) Start() {
	l.startOnce.Do(func() {
		go l.run(l.ctx)
	})
}

// Stop はループにクローズを要求し、終了まで待つ
//
// どの状態から停止してもソースの Close はループ終了前に1回だけ呼ばれる。
func (l *CaptureLoop) Stop(ctx context.Context) error {
	l.cancel()
	l.Start() // 未開始でも終了処理を走らせる

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("カメラ %s の停止待ちを中断: %w", l.desc.ID, ctx.Err())
	}
}

// Done はループ終了時にクローズされるチャンネルを返す
func (l *CaptureLoop) Done() <-chan struct{} {
	return l.done
}

// Descriptor はループが使っているディスクリプタを返す
func (l *CaptureLoop) Descriptor() Descriptor {
	return l.desc
}

// Slot はフレームスロットを返す
func (l *CaptureLoop) Slot() *FrameSlot {
	return l.slot
}

// State は現在の状態を返す
func (l *CaptureLoop) State() CaptureState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Properties はネゴシエートされた値を返す
func (l *CaptureLoop) Properties() Properties {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.props
}

// WaitUntil は状態が cond を満たすまで待つ
func (l *CaptureLoop) WaitUntil(ctx context.Context, cond func(CaptureState) bool) (CaptureState, error) {
	for {
		l.mu.RLock()
		state := l.state
		ch := l.changed
		l.mu.RUnlock()

		if cond(state) {
			return state, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// LastError は最後に記録されたエラーを返す
func (l *CaptureLoop) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// LastEpisode は直近に終わった（再接続または断念した）再接続エピソードを返す
func (l *CaptureLoop) LastEpisode() ReconnectContext {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastEp
}

// addViewer / removeViewer はビューアー数を増減する
func (l *CaptureLoop) addViewer() int    { return int(l.viewers.Add(1)) }
func (l *CaptureLoop) removeViewer() int { return int(l.viewers.Add(-1)) }

// fillStatus はループの実行時情報を st に書き込む
func (l *CaptureLoop) fillStatus(st *Status) {
	l.mu.RLock()
	st.State = l.state
	st.Properties = l.props
	st.Reconnects = l.reconnects
	if l.episode != nil {
		st.Attempts = l.episode.Attempts
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	l.mu.RUnlock()

	st.Active = st.State.Live()
	st.Viewers = int(l.viewers.Load())
	if snap, ok := l.slot.Latest(); ok {
		st.Sequence = snap.Seq
		st.LastFrameAt = snap.CapturedAt
	}
}

// run はキャプチャループ本体
func (l *CaptureLoop) run(ctx context.Context) {
	defer close(l.done)
	defer l.finish()

	if ctx.Err() != nil {
		return
	}
	l.transition(StateConnecting)

	for {
		props, err := l.open(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if l.source.Kind() == KindLocal {
				// ローカルデバイスは外部の介入なしに復帰しないので再試行しない
				l.fail(err)
				return
			}
			if !l.backoff(ctx, err) {
				return
			}
			continue
		}

		l.streaming(props)

		err = l.readFrames(ctx)
		if ctx.Err() != nil {
			return
		}
		if IsFatal(err) || l.source.Kind() == KindLocal {
			l.fail(err)
			return
		}
		if !l.backoff(ctx, err) {
			return
		}
	}
}

// open はタイムアウト付きで1回だけ接続を試みる
func (l *CaptureLoop) open(ctx context.Context) (Properties, error) {
	openCtx, cancel := context.WithTimeout(ctx, l.policy.Timeout)
	defer cancel()

	props, err := l.source.Open(openCtx)
	if err == nil {
		return props, nil
	}

	oerr := newOpenError(err)
	if errors.Is(openCtx.Err(), context.DeadlineExceeded) && oerr.Kind == OpenUnknown {
		oerr = &OpenError{Kind: OpenTimeout, Err: err}
	}
	return Properties{}, oerr
}

// readFrames はエラーになるまでフレームを読み続けてスロットに公開する
func (l *CaptureLoop) readFrames(ctx context.Context) error {
	failures := 0
	for {
		frame, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.slot.SetError(err)

			if l.source.Kind() == KindLocal && !IsFatal(err) {
				failures++
				if failures < maxLocalReadFailures {
					l.logger.Debug("フレームの読み取りに失敗", zap.Error(err), zap.Int("consecutive", failures))
					continue
				}
				return &ReadError{Severity: Fatal, Err: fmt.Errorf("%d回連続で読み取りに失敗: %w", failures, err)}
			}
			return err
		}

		failures = 0
		l.slot.Publish(frame.Data, frame.CapturedAt)
	}
}

// backoff は再接続ポリシーに従って待機する
// 再試行する場合は true、断念またはキャンセルされた場合は false を返す。
func (l *CaptureLoop) backoff(ctx context.Context, cause error) bool {
	l.mu.Lock()
	if l.episode == nil {
		l.episode = &ReconnectContext{StartedAt: time.Now()}
	}
	l.episode.Attempts++
	rc := *l.episode
	l.lastErr = cause
	l.mu.Unlock()

	l.slot.SetError(cause)

	action := l.policy.Next(rc)
	if action.Kind == ActionGiveUp {
		l.fail(fmt.Errorf("%d回の試行で接続できませんでした: %w", rc.Attempts, cause))
		return false
	}

	l.transition(StateReconnecting)
	l.logger.Warn("再接続を待機します",
		zap.Int("attempt", rc.Attempts),
		zap.Int("max_attempts", l.policy.MaxAttempts),
		zap.Duration("delay", action.After),
		zap.Error(cause),
	)

	timer := time.NewTimer(action.After)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	l.mu.Lock()
	if l.episode != nil {
		l.episode.Waited += action.After
	}
	l.mu.Unlock()
	return true
}

// streaming はストリーミング状態に入る
func (l *CaptureLoop) streaming(props Properties) {
	l.mu.Lock()
	episode := l.episode
	l.episode = nil
	l.props = props
	l.lastErr = nil
	if episode != nil {
		l.reconnects++
		l.lastEp = *episode
	}
	l.mu.Unlock()

	l.transition(StateStreaming)

	if episode != nil {
		l.logger.Info("再接続しました",
			zap.Int("attempts", episode.Attempts),
			zap.Duration("downtime", time.Since(episode.StartedAt)),
			zap.Duration("waited", episode.Waited),
		)
		return
	}
	l.logger.Info("ストリーミングを開始しました",
		zap.Int("width", props.Width),
		zap.Int("height", props.Height),
		zap.Int("fps", props.FPS),
	)
}

// fail は Failed 状態に入る
func (l *CaptureLoop) fail(err error) {
	l.mu.Lock()
	episode := l.episode
	l.episode = nil
	l.lastErr = err
	if episode != nil {
		l.lastEp = *episode
	}
	l.mu.Unlock()

	l.slot.SetError(err)
	l.transition(StateFailed)

	fields := []zap.Field{zap.Error(err)}
	if episode != nil {
		fields = append(fields, zap.Int("attempts", episode.Attempts), zap.Duration("waited", episode.Waited))
	}
	l.logger.Error("キャプチャに失敗しました", fields...)
}

// finish はソースとスロットを閉じる
func (l *CaptureLoop) finish() {
	if err := l.source.Close(); err != nil {
		l.logger.Warn("ソースのクローズに失敗", zap.Error(err))
	}
	l.slot.Close()

	if l.State() != StateFailed {
		l.transition(StateClosed)
	}
}

// transition は状態を更新して待機者に通知する
func (l *CaptureLoop) transition(to CaptureState) {
	l.mu.Lock()
	from := l.state
	l.state = to
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	l.logger.Debug("状態遷移", zap.String("from", string(from)), zap.String("to", string(to)))
	if l.onTransition != nil {
		l.onTransition(from, to)
	}
}
