package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig 用
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxFrameSize は1フレームの上限サイズ
const maxFrameSize = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
)

// ffmpegProcess はMJPEGをstdoutに書き出すffmpegプロセス
type ffmpegProcess struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *jpegScanner
	stderr  *tailBuffer

	stopOnce sync.Once
	waitErr  error
}

// startFFmpeg はffmpegを起動する
func startFFmpeg(path string, args []string) (*ffmpegProcess, error) {
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, path, args...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	return &ffmpegProcess{
		cmd:     cmd,
		cancel:  cancel,
		scanner: newJPEGScanner(stdout),
		stderr:  stderr,
	}, nil
}

// readFrame は次のJPEGフレームを読み取る
//
// ctx のキャンセルまたは timeout の経過でプロセスを終了させて読み取りを中断する。
func (p *ffmpegProcess) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	var timedOut atomic.Bool
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			p.cancel()
		})
		defer t.Stop()
	}

	data, err := p.scanner.Next()
	if err == nil {
		return data, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case timedOut.Load():
		return nil, fmt.Errorf("%s以内にフレームが届きませんでした: %w", timeout, context.DeadlineExceeded)
	default:
		return nil, p.exitError(err)
	}
}

// exitError はプロセス終了の理由をstderrの末尾と合わせて返す
func (p *ffmpegProcess) exitError(readErr error) error {
	waitErr := p.stop()
	msg := strings.TrimSpace(p.stderr.String())

	cause := readErr
	if waitErr != nil {
		cause = waitErr
	}
	if msg == "" {
		return fmt.Errorf("ffmpegが終了しました: %w", cause)
	}
	return fmt.Errorf("ffmpegが終了しました: %w (stderr: %s)", cause, msg)
}

// stop はプロセスを終了させて回収する（冪等）
func (p *ffmpegProcess) stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		err := p.cmd.Wait()
		// キャンセルによる終了はエラーとしない
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		} else if exitErr != nil && exitErr.ExitCode() > 0 {
			p.waitErr = err
		}
	})
	return p.waitErr
}

// jpegScanner は連結されたJPEGストリームをフレーム単位に分割する
type jpegScanner struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{r: bufio.NewReaderSize(r, 1<<20)}
}

// Next はSOI(FF D8)からEOI(FF D9)までを1フレームとして返す
func (s *jpegScanner) Next() ([]byte, error) {
	if err := s.seekSOI(); err != nil {
		return nil, err
	}

	s.buf.Reset()
	s.buf.Write(jpegSOI)

	for {
		chunk, err := s.r.ReadSlice(0xFF)
		s.buf.Write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			if s.buf.Len() > maxFrameSize {
				return nil, fmt.Errorf("フレームが大きすぎます (%d bytes)", s.buf.Len())
			}
			continue
		}
		if err != nil {
			return nil, unexpectedEOF(err)
		}

		next, err := s.r.ReadByte()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		switch next {
		case 0xD9:
			s.buf.WriteByte(next)
			return bytes.Clone(s.buf.Bytes()), nil
		case 0xFF:
			// 連続するFFは次のマーカー候補として読み直す
			_ = s.r.UnreadByte()
		default:
			s.buf.WriteByte(next)
		}

		if s.buf.Len() > maxFrameSize {
			return nil, fmt.Errorf("フレームが大きすぎます (%d bytes)", s.buf.Len())
		}
	}
}

// seekSOI はSOIマーカーの直後まで読み進める
func (s *jpegScanner) seekSOI() error {
	for {
		if _, err := s.r.ReadSlice(0xFF); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return err
		}
		next, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if next == 0xD8 {
			return nil
		}
		if next == 0xFF {
			_ = s.r.UnreadByte()
		}
	}
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// jpegProperties はJPEGヘッダーから解像度を読み取る
func jpegProperties(data []byte, fps int) (Properties, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Properties{}, fmt.Errorf("JPEGヘッダーの解析に失敗: %w", err)
	}
	return Properties{Width: cfg.Width, Height: cfg.Height, FPS: fps}, nil
}

// tailBuffer は書き込まれた内容の末尾だけを保持する
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
