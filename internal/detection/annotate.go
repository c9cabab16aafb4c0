package detection

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// boxColor は検出枠の色
var boxColor = color.NRGBA{R: 0xFF, G: 0x30, B: 0x30, A: 0xFF}

// Annotate は検出結果の枠をJPEGフレームに描き込む
//
// Box は result の入力サイズからフレームの大きさに拡大して描く。
// 検出が無ければ data をそのまま返す。
func Annotate(data []byte, result Result) ([]byte, error) {
	if len(result.Detections) == 0 || result.InputWidth <= 0 || result.InputHeight <= 0 {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}
	canvas := imaging.Clone(img)

	b := canvas.Bounds()
	sx := float64(b.Dx()) / float64(result.InputWidth)
	sy := float64(b.Dy()) / float64(result.InputHeight)
	thickness := max(2, b.Dx()/160)

	for _, d := range result.Detections {
		r := image.Rect(
			int(float64(d.Box.X)*sx),
			int(float64(d.Box.Y)*sy),
			int(float64(d.Box.X+d.Box.Width)*sx),
			int(float64(d.Box.Y+d.Box.Height)*sy),
		).Add(b.Min)
		drawOutline(canvas, r.Intersect(b), thickness)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// drawOutline は r の内側に太さ t の枠を描く
func drawOutline(dst draw.Image, r image.Rectangle, t int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
