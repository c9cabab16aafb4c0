package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MultiplexerOptions はマルチプレクサの設定
type MultiplexerOptions struct {
	// IdleTimeout はフレームが届かないときにカメラの状態を確認し直す間隔
	IdleTimeout time.Duration
	// AutoOpen が true なら未オープンのカメラを購読時に開く
	AutoOpen bool
	Logger   *zap.Logger
}

// Multiplexer は1つのキャプチャループのフレームを複数のビューアーに配る
type Multiplexer struct {
	registry    *Registry
	idleTimeout time.Duration
	autoOpen    bool
	logger      *zap.Logger
}

// NewMultiplexer は新しいMultiplexerを作成する
func NewMultiplexer(registry *Registry, opts MultiplexerOptions) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Second
	}

	return &Multiplexer{
		registry:    registry,
		idleTimeout: idle,
		autoOpen:    opts.AutoOpen,
		logger:      logger,
	}
}

// Subscribe はカメラのフレーム列を購読する
//
// カメラが Failed / Closed の場合、AutoOpen が有効ならレジストリ経由で開き直す。
// 開けなかった場合は待たずに ErrCameraUnavailable を返す。
func (m *Multiplexer) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if _, ok := m.registry.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	loop := m.registry.Loop(id)
	if loop == nil || loop.State().Terminal() {
		if !m.autoOpen {
			return nil, fmt.Errorf("%w: %s", ErrCameraUnavailable, id)
		}

		_, err := m.registry.Open(ctx, id)
		loop = m.registry.Loop(id)
		if loop == nil || loop.State().Terminal() {
			if err == nil {
				err = errors.New("ループが終了しています")
			}
			return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
		}
		// Reconnecting のまま返ってきた場合はビューアー側で復帰を待つ
	}

	viewers := loop.addViewer()
	sub := &Subscription{
		ID:       uuid.NewString(),
		CameraID: id,
		loop:     loop,
		idle:     m.idleTimeout,
		logger:   m.logger,
	}

	m.logger.Debug("ビューアーを追加しました",
		zap.String("camera_id", id),
		zap.String("subscription_id", sub.ID),
		zap.Int("viewers", viewers),
	)
	return sub, nil
}

// Subscription は1人のビューアーの購読
//
// Next を複数のゴルーチンから同時に呼んではならない（Close はどこからでもよい）。
type Subscription struct {
	ID       string
	CameraID string

	loop    *CaptureLoop
	lastSeq uint64
	idle    time.Duration
	logger  *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// Next は前回より新しいフレームが公開されるまで待って返す
//
// カメラが Failed / Closed になった場合は ErrStreamEnded を返す。
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		if s.closed.Load() {
			return Snapshot{}, ErrStreamEnded
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.idle)
		snap, err := s.loop.Slot().Wait(waitCtx, s.lastSeq)
		cancel()

		if err == nil {
			s.lastSeq = snap.Seq
			return snap, nil
		}
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		if errors.Is(err, ErrSlotClosed) {
			return Snapshot{}, fmt.Errorf("%w: カメラ %s は %s です", ErrStreamEnded, s.CameraID, s.loop.State())
		}

		// アイドルタイムアウト: 状態を確認して待ち直す
		if state := s.loop.State(); state.Terminal() {
			return Snapshot{}, fmt.Errorf("%w: カメラ %s は %s です", ErrStreamEnded, s.CameraID, state)
		}
	}
}

// LastSeq は最後に受け取ったシーケンス番号を返す
func (s *Subscription) LastSeq() uint64 {
	return s.lastSeq
}

// Close は購読を解除する（冪等）
//
// 他のビューアーやキャプチャループには影響しない。
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		viewers := s.loop.removeViewer()
		s.logger.Debug("ビューアーを削除しました",
			zap.String("camera_id", s.CameraID),
			zap.String("subscription_id", s.ID),
			zap.Int("viewers", viewers),
		)
	})
}
