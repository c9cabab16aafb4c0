package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// openGrace はオープン待ちに上乗せする猶予
const openGrace = time.Second

// RegistryOptions はレジストリの設定
type RegistryOptions struct {
	Factory      SourceFactory
	Catalog      DescriptorSource // nil なら SetDescriptors で与える
	Policy       ReconnectPolicy
	ScanInterval time.Duration // 0 なら定期的な再検出を行わない
	Logger       *zap.Logger

	// OnTransition は各カメラの状態遷移のたびに呼ばれる
	OnTransition func(id string, from, to CaptureState)
}

// Registry は既知のカメラとその稼働中のキャプチャループを管理する
//
// オープン・クローズはカメラIDごとに直列化され、同じIDのループは同時に1つしか存在しない。
type Registry struct {
	factory      SourceFactory
	catalog      DescriptorSource
	policy       ReconnectPolicy
	scanInterval time.Duration
	logger       *zap.Logger
	onTransition func(id string, from, to CaptureState)

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	order       []string
	loops       map[string]*CaptureLoop
	last        map[string]CaptureState // クローズしたカメラの最終状態

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// 制御用
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Manager = (*Registry)(nil)

// NewRegistry は新しいRegistryを作成する
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		factory:      opts.Factory,
		catalog:      opts.Catalog,
		policy:       opts.Policy.withDefaults(),
		scanInterval: opts.ScanInterval,
		logger:       logger,
		onTransition: opts.OnTransition,
		descriptors:  make(map[string]Descriptor),
		loops:        make(map[string]*CaptureLoop),
		last:         make(map[string]CaptureState),
		locks:        make(map[string]*sync.Mutex),
		stopCh:       make(chan struct{}),
	}
}

// Start は初回の検出を行い、必要なら定期的な再検出を開始する
func (r *Registry) Start(ctx context.Context) error {
	if r.catalog == nil {
		return nil
	}

	if _, err := r.Discover(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	if r.scanInterval > 0 {
		r.wg.Add(1)
		go r.backgroundScan(ctx)
	}
	return nil
}

// Stop は定期的な再検出を止め、全てのカメラを閉じる
func (r *Registry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return r.CloseAll(ctx)
}

// SetDescriptors はディスクリプタを丸ごと置き換える
//
// 一覧から消えたカメラのループは停止する。残ったカメラの稼働中のループは
// 古いディスクリプタのまま動き続け、次のオープンから新しい値が使われる。
func (r *Registry) SetDescriptors(ctx context.Context, descs []Descriptor) error {
	next := make(map[string]Descriptor, len(descs))
	order := make([]string, 0, len(descs))
	for _, d := range descs {
		if _, dup := next[d.ID]; dup {
			continue
		}
		next[d.ID] = d
		order = append(order, d.ID)
	}

	r.mu.Lock()
	var removed []string
	for id := range r.descriptors {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.descriptors = next
	r.order = order
	r.mu.Unlock()

	var errs []error
	for _, id := range removed {
		if err := r.forget(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("カメラが一覧から外れました", zap.String("camera_id", id))
	}
	return errors.Join(errs...)
}

// forget は一覧から外れたカメラのループを止め、カメラIDごとの記録を消す
func (r *Registry) forget(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := r.stopLoopLocked(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.last, id)
	_, readded := r.descriptors[id]
	r.mu.Unlock()

	// 待機中の Open が同じロックを使い続けられるよう、再登録されたIDのロックは残す
	if !readded {
		r.locksMu.Lock()
		if r.locks[id] == lock {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
	return nil
}

// Discover はカメラを再検出してディスクリプタを置き換える
func (r *Registry) Discover(ctx context.Context) ([]Descriptor, error) {
	if r.catalog == nil {
		return r.Descriptors(), nil
	}

	descs, err := r.catalog.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.SetDescriptors(ctx, descs); err != nil {
		r.logger.Warn("一部のカメラの停止に失敗", zap.Error(err))
	}

	r.logger.Info("カメラを検出しました", zap.Int("count", len(descs)))
	return descs, nil
}

// Descriptors は現在のディスクリプタを登録順に返す
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		descs = append(descs, r.descriptors[id])
	}
	return descs
}

// List は既知のカメラと現在の状態を返す
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		statuses = append(statuses, r.statusLocked(id))
	}
	return statuses
}

// Get は指定されたIDのカメラ状態を取得する
func (r *Registry) Get(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.descriptors[id]; !ok {
		return Status{}, false
	}
	return r.statusLocked(id), true
}

// Active は稼働中のカメラ一覧を返す
func (r *Registry) Active() []Status {
	var active []Status
	for _, st := range r.List() {
		if st.Active {
			active = append(active, st)
		}
	}
	return active
}

// statusLocked はカメラの状態を組み立てる（読み取りロック済み前提）
func (r *Registry) statusLocked(id string) Status {
	st := Status{Descriptor: r.descriptors[id], State: StateIdle}
	if loop, ok := r.loops[id]; ok {
		loop.fillStatus(&st)
	} else if last, ok := r.last[id]; ok {
		st.State = last
	}
	return st
}

// Loop は指定カメラのキャプチャループを返す（未オープンなら nil）
func (r *Registry) Loop(id string) *CaptureLoop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loops[id]
}

// Open はカメラを開いてキャプチャを開始する
//
// ループが既に稼働中なら2つ目は作らず、現在のプロパティを返す（Reconnecting 中でもエラーにしない）。
// 新しくループを起動した場合は Connecting を抜けるまで（最大で1回の接続タイムアウト分）待ち、
// 最初の接続に失敗していれば OpenError を返す。ループは裏で再接続を続ける。
func (r *Registry) Open(ctx context.Context, id string) (Properties, error) {
	r.mu.RLock()
	_, ok := r.descriptors[id]
	r.mu.RUnlock()
	if !ok {
		return Properties{}, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	loop, reused, err := r.ensureLoop(ctx, id)
	if err != nil {
		return Properties{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout+openGrace)
	defer cancel()

	state, err := loop.WaitUntil(waitCtx, func(s CaptureState) bool {
		return s != StateIdle && s != StateConnecting
	})
	if err != nil {
		if ctx.Err() != nil {
			return Properties{}, ctx.Err()
		}
		return Properties{}, &OpenError{Kind: OpenTimeout, Err: fmt.Errorf("カメラ %s の接続待ちがタイムアウト", id)}
	}

	switch {
	case state == StateStreaming:
		return loop.Properties(), nil
	case state == StateReconnecting && reused:
		// 稼働中のループの再接続は一時的な停止として扱う
		return loop.Properties(), nil
	case state == StateReconnecting, state == StateFailed:
		if cause := loop.LastError(); cause != nil {
			return Properties{}, newOpenError(cause)
		}
		return Properties{}, &OpenError{Kind: OpenUnknown, Err: fmt.Errorf("カメラ %s を開けませんでした", id)}
	default:
		return Properties{}, fmt.Errorf("%w: %s", ErrCameraUnavailable, id)
	}
}

// ensureLoop は稼働中のループを返すか、新しいループを起動する
// 既存のループを使った場合は reused が true になる。
func (r *Registry) ensureLoop(ctx context.Context, id string) (loop *CaptureLoop, reused bool, err error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// ロックを取る間に一覧から外れている場合がある
	r.mu.RLock()
	desc, ok := r.descriptors[id]
	old := r.loops[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	if old != nil && !old.State().Terminal() {
		return old, true, nil
	}
	if old != nil {
		// Failed のループがデバイスを解放し終えるのを待つ
		select {
		case <-old.Done():
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	src, err := r.factory.CreateSource(desc)
	if err != nil {
		return nil, false, &OpenError{Kind: OpenUnknown, Err: err}
	}

	loop = NewCaptureLoop(desc, src, LoopOptions{
		Policy: r.policy,
		Logger: r.logger,
		OnTransition: func(from, to CaptureState) {
			if r.onTransition != nil {
				r.onTransition(id, from, to)
			}
		},
	})

	r.mu.Lock()
	r.loops[id] = loop
	delete(r.last, id)
	r.mu.Unlock()

	loop.Start()

	fields := []zap.Field{zap.String("camera_id", id), zap.String("kind", string(desc.Kind))}
	if desc.Kind == KindNetwork {
		fields = append(fields, zap.String("url", RedactURL(desc.URL)))
	}
	r.logger.Info("カメラを開きます", fields...)
	return loop, false, nil
}

// Close はカメラのキャプチャを停止する（開かれていなければ何もしない）
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.descriptors[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	return r.stopLoop(ctx, id)
}

// stopLoop はループを停止して稼働中の集合から外す
func (r *Registry) stopLoop(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.stopLoopLocked(ctx, id)
}

// stopLoopLocked は stopLoop の本体（カメラIDのロック済み前提）
func (r *Registry) stopLoopLocked(ctx context.Context, id string) error {
	r.mu.RLock()
	loop := r.loops[id]
	r.mu.RUnlock()
	if loop == nil {
		return nil
	}

	if err := loop.Stop(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.loops, id)
	r.last[id] = StateClosed
	r.mu.Unlock()

	r.logger.Info("カメラを閉じました", zap.String("camera_id", id))
	return nil
}

// CloseAll は全てのカメラを閉じる
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := r.stopLoop(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("カメラ %s の停止に失敗: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// LatestFrame は最新フレームのスナップショットを返す（ブロックしない）
func (r *Registry) LatestFrame(id string) (Snapshot, error) {
	r.mu.RLock()
	_, ok := r.descriptors[id]
	loop := r.loops[id]
	r.mu.RUnlock()

	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if loop == nil || loop.State().Terminal() {
		return Snapshot{}, ErrNoFrame
	}

	snap, ok := loop.Slot().Latest()
	if !ok {
		return Snapshot{}, ErrNoFrame
	}
	return snap, nil
}

// lockFor はカメラIDごとのロックを返す
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// backgroundScan は定期的にカメラを再検出する
func (r *Registry) backgroundScan(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Discover(ctx); err != nil {
				r.logger.Warn("カメラの再検出に失敗", zap.Error(err))
			}
		}
	}
}
