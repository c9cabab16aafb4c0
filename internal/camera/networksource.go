package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// NetworkStreamSource はRTSPストリームをffmpeg経由で読むソース
//
// リモート側で向きが揃っている前提のため反転は行わない。
// 読み取りの失敗は全て Transient として扱い、再接続の判断はキャプチャループに任せる。
type NetworkStreamSource struct {
	ffmpegPath string
	streamURL  *url.URL
	desc       Descriptor
	timeout    time.Duration

	mu    sync.Mutex
	proc  *ffmpegProcess
	first []byte
	props Properties
}

// NewNetworkStreamSource は新しいNetworkStreamSourceを作成する
func NewNetworkStreamSource(ffmpegPath string, streamURL *url.URL, desc Descriptor, timeout time.Duration) *NetworkStreamSource {
	return &NetworkStreamSource{
		ffmpegPath: ffmpegPath,
		streamURL:  streamURL,
		desc:       desc,
		timeout:    timeout,
	}
}

// Address は認証情報を伏せたURLを返す
func (s *NetworkStreamSource) Address() string {
	return s.streamURL.Redacted()
}

// args はffmpegの引数を組み立てる
func (s *NetworkStreamSource) args(timeout time.Duration) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if s.streamURL.Scheme == "rtsp" || s.streamURL.Scheme == "rtsps" {
		args = append(args, "-rtsp_transport", "tcp")
	}
	if timeout > 0 {
		// ソケットのタイムアウト（マイクロ秒）
		args = append(args, "-timeout", strconv.FormatInt(timeout.Microseconds(), 10))
	}
	args = append(args, "-i", s.streamURL.String(), "-an")
	if s.desc.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(s.desc.FPS))
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
}

// Open は接続とハンドシェイクを1回だけ試みる
//
// ctx の期限（なければ設定されたタイムアウト）を超えた場合はタイムアウトエラーを返す。
func (s *NetworkStreamSource) Open(ctx context.Context) (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return Properties{}, &OpenError{Kind: OpenTimeout, Err: context.DeadlineExceeded}
	}

	proc, err := startFFmpeg(s.ffmpegPath, s.args(timeout))
	if err != nil {
		return Properties{}, &OpenError{Kind: OpenUnknown, Err: err}
	}

	// 最初のフレームが届いた時点でハンドシェイク完了とみなす
	frame, err := proc.readFrame(ctx, timeout)
	if err != nil {
		_ = proc.stop()
		if errors.Is(err, context.DeadlineExceeded) {
			return Properties{}, &OpenError{Kind: OpenTimeout, Err: fmt.Errorf("%s への接続: %w", s.Address(), err)}
		}
		return Properties{}, newOpenError(fmt.Errorf("%s への接続に失敗: %w", s.Address(), err))
	}

	props, err := jpegProperties(frame, s.desc.FPS)
	if err != nil {
		_ = proc.stop()
		return Properties{}, &OpenError{Kind: OpenUnknown, Err: err}
	}

	s.proc = proc
	s.first = frame
	s.props = props
	return props, nil
}

// Read は次のフレームを読み取る
func (s *NetworkStreamSource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	proc := s.proc
	first := s.first
	s.first = nil
	s.mu.Unlock()

	if proc == nil {
		return Frame{}, &ReadError{Severity: Transient, Err: errors.New("ストリームが開かれていません")}
	}
	if first != nil {
		return Frame{Data: first, CapturedAt: time.Now()}, nil
	}

	data, err := proc.readFrame(ctx, s.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, &ReadError{Severity: Transient, Err: err}
	}
	return Frame{Data: data, CapturedAt: time.Now()}, nil
}

// Close は接続を解放する
func (s *NetworkStreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	return nil
}

// teardown は接続を破棄する（ロック済み前提）
func (s *NetworkStreamSource) teardown() {
	if s.proc != nil {
		_ = s.proc.stop()
		s.proc = nil
	}
	s.first = nil
}

// Properties はネゴシエートされた値を返す
func (s *NetworkStreamSource) Properties() Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

// Kind はソース種別を返す
func (s *NetworkStreamSource) Kind() SourceKind {
	return KindNetwork
}
