package detection

import (
	"context"
	"image"
	"time"
)

// Box は検出領域（入力画像の座標系）
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection は1件の検出結果
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   Box     `json:"box"`
}

// Result はカメラごとの最新の検出結果
type Result struct {
	CameraID    string      `json:"camera_id"`
	Sequence    uint64      `json:"sequence"`     // 処理したフレームのシーケンス番号
	CapturedAt  time.Time   `json:"captured_at"`  // フレームのキャプチャ時刻
	ProcessedAt time.Time   `json:"processed_at"` // 検出の完了時刻
	InputWidth  int         `json:"input_width"`  // Box の座標系の幅
	InputHeight int         `json:"input_height"` // Box の座標系の高さ
	Detections  []Detection `json:"detections"`
}

// Detector はフレームから検出を行う
//
// img は Options の入力サイズに縮小済み。
type Detector interface {
	Detect(ctx context.Context, cameraID string, img image.Image) ([]Detection, error)
}

// Options は検出フィードの設定
type Options struct {
	Interval    time.Duration // フレームを取りに行く間隔
	InputWidth  int           // 検出器への入力幅
	InputHeight int           // 検出器への入力高さ
	Concurrency int           // 同時に処理するカメラ数
}

// DefaultOptions はデフォルトの設定を返す
func DefaultOptions() Options {
	return Options{
		Interval:    time.Second,
		InputWidth:  320,
		InputHeight: 240,
		Concurrency: 4,
	}
}
