package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// localReadTimeout はローカルデバイスのフレーム待ちの上限
const localReadTimeout = 10 * time.Second

// LocalDeviceSource はV4L2デバイスをffmpeg経由で読むソース
//
// 表示向きを揃えるため、フレームは常に左右反転して出力する。
type LocalDeviceSource struct {
	ffmpegPath string
	desc       Descriptor

	mu    sync.Mutex
	proc  *ffmpegProcess
	first []byte // Open時に読んだ最初のフレーム
	props Properties
}

// NewLocalDeviceSource は新しいLocalDeviceSourceを作成する
func NewLocalDeviceSource(ffmpegPath string, desc Descriptor) *LocalDeviceSource {
	return &LocalDeviceSource{ffmpegPath: ffmpegPath, desc: desc}
}

// devicePath はデバイスパスを返す
func (s *LocalDeviceSource) devicePath() string {
	if s.desc.DevicePath != "" {
		return s.desc.DevicePath
	}
	return "/dev/video" + strconv.Itoa(s.desc.DeviceIndex)
}

// args はffmpegの引数を組み立てる
func (s *LocalDeviceSource) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-f", "v4l2"}
	if s.desc.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.desc.FPS))
	}
	if s.desc.Width > 0 && s.desc.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.desc.Width, s.desc.Height))
	}
	return append(args,
		"-i", s.devicePath(),
		"-vf", "hflip",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// Open はデバイスを開き、最初のフレームで解像度を確定する
//
// ローカルデバイスは再試行しない。
func (s *LocalDeviceSource) Open(ctx context.Context) (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()

	device := s.devicePath()
	if _, err := os.Stat(device); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Properties{}, &OpenError{Kind: OpenAbsent, Err: fmt.Errorf("デバイスが存在しません: %s", device)}
		}
		return Properties{}, &OpenError{Kind: OpenUnknown, Err: err}
	}

	proc, err := startFFmpeg(s.ffmpegPath, s.args())
	if err != nil {
		return Properties{}, &OpenError{Kind: OpenUnknown, Err: err}
	}

	timeout := localReadTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	frame, err := proc.readFrame(ctx, timeout)
	if err != nil {
		_ = proc.stop()
		return Properties{}, newOpenError(fmt.Errorf("%s のテストキャプチャに失敗: %w", device, err))
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
func (s *LocalDeviceSource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	proc := s.proc
	first := s.first
	s.first = nil
	s.mu.Unlock()

	if proc == nil {
		return Frame{}, &ReadError{Severity: Fatal, Err: errors.New("デバイスが開かれていません")}
	}
	if first != nil {
		return Frame{Data: first, CapturedAt: time.Now()}, nil
	}

	data, err := proc.readFrame(ctx, localReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		// プロセスが終了した場合はデバイスが失われたとみなす
		return Frame{}, &ReadError{Severity: Fatal, Err: err}
	}

	if _, err := jpegProperties(data, 0); err != nil {
		return Frame{}, &ReadError{Severity: Transient, Err: err}
	}
	return Frame{Data: data, CapturedAt: time.Now()}, nil
}

// Close はffmpegプロセスを終了する
func (s *LocalDeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	return nil
}

// teardown はプロセスを破棄する（ロック済み前提）
func (s *LocalDeviceSource) teardown() {
	if s.proc != nil {
		_ = s.proc.stop()
		s.proc = nil
	}
	s.first = nil
}

// Properties はネゴシエートされた値を返す
func (s *LocalDeviceSource) Properties() Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

// Kind はソース種別を返す
func (s *LocalDeviceSource) Kind() SourceKind {
	return KindLocal
}
