package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockSource はテスト用のソース実装
//
// OnOpen / OnRead で n 回目（1始まり）の呼び出しの結果を差し替えられる。
type MockSource struct {
	SourceKind    SourceKind
	Props         Properties
	FrameInterval time.Duration
	OpenDelay     time.Duration

	OnOpen    func(n int) error
	OnRead    func(n int) error
	FrameData func(n int) []byte

	mu     sync.Mutex
	opens  int
	reads  int
	closes int
	opened bool
}

// NewMockSource は新しいMockSourceを作成する
func NewMockSource(kind SourceKind, props Properties) *MockSource {
	return &MockSource{
		SourceKind:    kind,
		Props:         props,
		FrameInterval: 5 * time.Millisecond,
	}
}

// Open はモックの接続を開く
func (m *MockSource) Open(ctx context.Context) (Properties, error) {
	m.mu.Lock()
	m.opens++
	n := m.opens
	m.opened = false
	m.mu.Unlock()

	if m.OpenDelay > 0 {
		select {
		case <-time.After(m.OpenDelay):
		case <-ctx.Done():
			return Properties{}, &OpenError{Kind: OpenTimeout, Err: ctx.Err()}
		}
	}

	if m.OnOpen != nil {
		if err := m.OnOpen(n); err != nil {
			return Properties{}, err
		}
	}

	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
	return m.Props, nil
}

// Read は FrameInterval ごとにフレームを返す
func (m *MockSource) Read(ctx context.Context) (Frame, error) {
	select {
	case <-time.After(m.FrameInterval):
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}

	m.mu.Lock()
	m.reads++
	n := m.reads
	opened := m.opened
	m.mu.Unlock()

	if !opened {
		return Frame{}, &ReadError{Severity: Fatal, Err: fmt.Errorf("モック: 開かれていません")}
	}
	if m.OnRead != nil {
		if err := m.OnRead(n); err != nil {
			return Frame{}, err
		}
	}

	data := []byte(fmt.Sprintf("frame-%d", n))
	if m.FrameData != nil {
		data = m.FrameData(n)
	}
	return Frame{Data: data, CapturedAt: time.Now()}, nil
}

// Close はモックの接続を閉じる
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.opened = false
	return nil
}

// Properties はモックのプロパティを返す
func (m *MockSource) Properties() Properties {
	return m.Props
}

// Kind はソース種別を返す
func (m *MockSource) Kind() SourceKind {
	return m.SourceKind
}

// Opens は Open の呼び出し回数を返す
func (m *MockSource) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes は Close の呼び出し回数を返す
func (m *MockSource) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// MockSourceFactory はディスクリプタごとに MockSource を作るテスト用ファクトリー
type MockSourceFactory struct {
	// Configure は作成直後のソースを調整する
	Configure func(desc Descriptor, src *MockSource)

	mu      sync.Mutex
	sources map[string][]*MockSource
}

// NewMockSourceFactory は新しいMockSourceFactoryを作成する
func NewMockSourceFactory() *MockSourceFactory {
	return &MockSourceFactory{sources: make(map[string][]*MockSource)}
}

// CreateSource はディスクリプタの宣言値でMockSourceを作成する
func (f *MockSourceFactory) CreateSource(desc Descriptor) (Source, error) {
	src := NewMockSource(desc.Kind, Properties{Width: desc.Width, Height: desc.Height, FPS: desc.FPS})
	if f.Configure != nil {
		f.Configure(desc, src)
	}

	f.mu.Lock()
	f.sources[desc.ID] = append(f.sources[desc.ID], src)
	f.mu.Unlock()
	return src, nil
}

// Sources は指定カメラ用に作成されたソースを返す
func (f *MockSourceFactory) Sources(id string) []*MockSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSource(nil), f.sources[id]...)
}
