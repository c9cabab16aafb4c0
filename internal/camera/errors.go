package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCameraNotFound は未知のカメラIDが指定されたことを表す
	ErrCameraNotFound = errors.New("camera not found")
	// ErrCameraUnavailable はカメラが Failed / Closed でストリームできないことを表す
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrNoFrame はまだフレームが取得されていないことを表す
	ErrNoFrame = errors.New("frame not available")
	// ErrStreamEnded はビューアーのストリームが終了したことを表す
	ErrStreamEnded = errors.New("stream ended")
	// ErrSlotClosed はFrameSlotが閉じられたことを表す
	ErrSlotClosed = errors.New("frame slot closed")
)

// OpenErrorKind はオープン失敗の分類
type OpenErrorKind string

const (
	OpenBusy    OpenErrorKind = "busy"    // デバイス使用中
	OpenAbsent  OpenErrorKind = "absent"  // デバイスが存在しない
	OpenAuth    OpenErrorKind = "auth"    // 認証失敗
	OpenTimeout OpenErrorKind = "timeout" // タイムアウト
	OpenUnknown OpenErrorKind = "unknown" // 分類不能
)

// OpenError はソースのオープン失敗
type OpenError struct {
	Kind OpenErrorKind
	Err  error
}

func (e *OpenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("open failed (%s)", e.Kind)
	}
	return fmt.Sprintf("open failed (%s): %v", e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadSeverity は読み取りエラーの深刻度
type ReadSeverity string

const (
	Transient ReadSeverity = "transient" // 一時的（再試行可）
	Fatal     ReadSeverity = "fatal"     // 致命的（デバイス消失など）
)

// ReadError はフレーム読み取りの失敗
type ReadError struct {
	Severity ReadSeverity
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed (%s): %v", e.Severity, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsFatal はエラーが致命的な読み取りエラーかどうかを返す
func IsFatal(err error) bool {
	var rerr *ReadError
	return errors.As(err, &rerr) && rerr.Severity == Fatal
}

// newOpenError はエラーを OpenError に変換する（既に OpenError ならそのまま返す）
func newOpenError(err error) *OpenError {
	var oerr *OpenError
	if errors.As(err, &oerr) {
		return oerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &OpenError{Kind: OpenTimeout, Err: err}
	}
	return &OpenError{Kind: classifyMessage(err.Error()), Err: err}
}

// classifyMessage はffmpegのエラー出力からオープン失敗の種類を推定する
func classifyMessage(msg string) OpenErrorKind {
	msg = strings.ToLower(msg)

	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "authorization failed", "authentication"):
		return OpenAuth
	case containsAny(msg, "device or resource busy", "resource busy"):
		return OpenBusy
	case containsAny(msg, "no such file or directory", "no such device", "not found", "no route to host", "connection refused"):
		return OpenAbsent
	case containsAny(msg, "timed out", "timeout", "deadline exceeded"):
		return OpenTimeout
	default:
		return OpenUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
