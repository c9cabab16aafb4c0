package detection

import (
	"context"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// pixelDelta は画素が変化したとみなす輝度差
const pixelDelta = 25

// MotionDetector は直前のフレームとの差分で動きを検出する
type MotionDetector struct {
	// Threshold は変化した画素の割合がこれ以上なら検出とする (0-1)
	Threshold float64

	mu   sync.Mutex
	prev map[string]*image.NRGBA
}

// NewMotionDetector は新しいMotionDetectorを作成する
func NewMotionDetector(threshold float64) *MotionDetector {
	return &MotionDetector{
		Threshold: threshold,
		prev:      make(map[string]*image.NRGBA),
	}
}

// Detect は前回のフレームと比較して動きのあった領域を返す
// カメラごとの最初のフレームでは何も検出しない。
func (d *MotionDetector) Detect(_ context.Context, cameraID string, img image.Image) ([]Detection, error) {
	gray := imaging.Grayscale(img)

	d.mu.Lock()
	prev := d.prev[cameraID]
	d.prev[cameraID] = gray
	d.mu.Unlock()

	if prev == nil || !prev.Bounds().Eq(gray.Bounds()) {
		return nil, nil
	}

	bounds := gray.Bounds()
	changed := 0
	minX, minY := bounds.Max.X, bounds.Max.Y
	maxX, maxY := bounds.Min.X, bounds.Min.Y

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			// グレースケールなのでRチャンネルだけ比較すればよい
			a := int(gray.Pix[gray.PixOffset(x, y)])
			b := int(prev.Pix[prev.PixOffset(x, y)])
			if abs(a-b) < pixelDelta {
				continue
			}
			changed++
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}

	total := bounds.Dx() * bounds.Dy()
	if total == 0 || changed == 0 {
		return nil, nil
	}

	ratio := float64(changed) / float64(total)
	if ratio < d.Threshold {
		return nil, nil
	}

	return []Detection{{
		Label: "motion",
		Score: ratio,
		Box: Box{
			X:      minX - bounds.Min.X,
			Y:      minY - bounds.Min.Y,
			Width:  maxX - minX + 1,
			Height: maxY - minY + 1,
		},
	}}, nil
}

// Forget はカメラの前回フレームを破棄する
func (d *MotionDetector) Forget(cameraID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.prev, cameraID)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
