package camera

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Snapshot はFrameSlotから取り出した1フレーム分の不変なコピー
type Snapshot struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

// FrameSlot は最新フレームだけを保持する単一スロットのバッファ
//
// 書き込みはキャプチャループのみが行い、公開済みのスナップショットは変更しない。
// 読み手は Wait で次のシーケンス番号を待つことができる。
type FrameSlot struct {
	mu      sync.Mutex
	current *Snapshot
	seq     uint64
	lastErr error
	closed  bool

	// 公開のたびにクローズして差し替える通知チャンネル
	notify chan struct{}
}

// NewFrameSlot は空のFrameSlotを作成する
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{notify: make(chan struct{})}
}

// Publish はフレームを新しいシーケンス番号で公開する
//
// data の所有権はスロットに移る。呼び出し側は以後 data を変更してはならない。
func (s *FrameSlot) Publish(data []byte, capturedAt time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.seq
	}

	s.seq++
	s.current = &Snapshot{Data: data, Seq: s.seq, CapturedAt: capturedAt}
	s.lastErr = nil

	close(s.notify)
	s.notify = make(chan struct{})

	return s.seq
}

// SetError は直近の失敗を記録する
func (s *FrameSlot) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// Err は直近の失敗を返す
func (s *FrameSlot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Seq は最新のシーケンス番号を返す（未公開なら0）
func (s *FrameSlot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Latest は最新フレームのコピーを返す
func (s *FrameSlot) Latest() (Snapshot, bool) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		return Snapshot{}, false
	}
	return Snapshot{Data: bytes.Clone(cur.Data), Seq: cur.Seq, CapturedAt: cur.CapturedAt}, true
}

// Wait は after より新しいシーケンス番号のフレームが公開されるまで待つ
//
// 返されるスナップショットのデータは共有されているため読み取り専用として扱うこと。
func (s *FrameSlot) Wait(ctx context.Context, after uint64) (Snapshot, error) {
	for {
		s.mu.Lock()
		cur := s.current
		closed := s.closed
		ch := s.notify
		s.mu.Unlock()

		if cur != nil && cur.Seq > after {
			return *cur, nil
		}
		if closed {
			return Snapshot{}, ErrSlotClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Close はスロットを閉じ、待機中の読み手を起こす
func (s *FrameSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}
