package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mimamori/internal/camera"
)

// FrameSource は検出フィードがフレームを取得する先
type FrameSource interface {
	Active() []camera.Status
	LatestFrame(id string) (camera.Snapshot, error)
}

// Feed は稼働中のカメラの最新フレームを定期的に検出器へ渡す
//
// フレームを待つことはせず、前回処理したフレームから更新されていないカメラは飛ばす。
type Feed struct {
	source   FrameSource
	detector Detector
	opts     Options
	logger   *zap.Logger

	mu       sync.RWMutex
	results  map[string]Result
	lastSeen map[string]camera.Snapshot // 最後に処理したフレーム（Data は保持しない）
}

// NewFeed は新しいFeedを作成する
func NewFeed(source FrameSource, detector Detector, opts Options, logger *zap.Logger) *Feed {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.InputWidth <= 0 || opts.InputHeight <= 0 {
		opts.InputWidth, opts.InputHeight = def.InputWidth, def.InputHeight
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Feed{
		source:   source,
		detector: detector,
		opts:     opts,
		logger:   logger,
		results:  make(map[string]Result),
		lastSeen: make(map[string]camera.Snapshot),
	}
}

// Run は ctx がキャンセルされるまで検出を続ける
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	f.logger.Info("検出フィードを開始しました", zap.Duration("interval", f.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("検出フィードを停止しました")
			return nil
		case <-ticker.C:
			if err := f.process(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("検出に失敗", zap.Error(err))
			}
		}
	}
}

// Latest はカメラの最新の検出結果を返す
func (f *Feed) Latest(id string) (Result, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.results[id]
	return r, ok
}

// process は稼働中の全カメラを1回ずつ処理する
func (f *Feed) process(ctx context.Context) error {
	active := f.source.Active()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)

	var mu sync.Mutex
	var errs []error
	for _, st := range active {
		id := st.ID
		g.Go(func() error {
			if err := f.processCamera(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("カメラ %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// processCamera は1台分のフレームを検出器にかける
func (f *Feed) processCamera(ctx context.Context, id string) error {
	snap, err := f.source.LatestFrame(id)
	if errors.Is(err, camera.ErrNoFrame) {
		return nil
	}
	if err != nil {
		return err
	}

	f.mu.RLock()
	last, seen := f.lastSeen[id]
	f.mu.RUnlock()
	// カメラが開き直された場合はシーケンス番号が1から振り直されるので時刻も比較する
	if seen && snap.Seq == last.Seq && snap.CapturedAt.Equal(last.CapturedAt) {
		return nil
	}

	img, err := imaging.Decode(bytes.NewReader(snap.Data))
	if err != nil {
		return fmt.Errorf("フレームのデコードに失敗: %w", err)
	}
	img = imaging.Resize(img, f.opts.InputWidth, f.opts.InputHeight, imaging.Linear)

	detections, err := f.detector.Detect(ctx, id, img)
	if err != nil {
		return fmt.Errorf("検出器の実行に失敗: %w", err)
	}

	result := Result{
		CameraID:    id,
		Sequence:    snap.Seq,
		CapturedAt:  snap.CapturedAt,
		ProcessedAt: time.Now(),
		InputWidth:  img.Bounds().Dx(),
		InputHeight: img.Bounds().Dy(),
		Detections:  detections,
	}

	f.mu.Lock()
	f.lastSeen[id] = camera.Snapshot{Seq: snap.Seq, CapturedAt: snap.CapturedAt}
	f.results[id] = result
	f.mu.Unlock()

	for _, d := range detections {
		f.logger.Info("検出しました",
			zap.String("camera_id", id),
			zap.String("label", d.Label),
			zap.Float64("score", d.Score),
			zap.Uint64("sequence", snap.Seq),
		)
	}
	return nil
}
