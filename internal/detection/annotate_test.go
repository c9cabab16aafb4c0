package detection

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func grayJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, color.Gray{Y: 128}), imaging.JPEG); err != nil {
		t.Fatalf("JPEGのエンコードに失敗しました: %v", err)
	}
	return buf.Bytes()
}

func TestAnnotate(t *testing.T) {
	frame := grayJPEG(t, 640, 480)

	t.Run("検出なし", func(t *testing.T) {
		out, err := Annotate(frame, Result{InputWidth: 320, InputHeight: 240})
		if err != nil {
			t.Fatalf("Annotate failed: %v", err)
		}
		if !bytes.Equal(out, frame) {
			t.Error("検出が無い場合は元のフレームを返すべきです")
		}
	})

	t.Run("枠の描画", func(t *testing.T) {
		result := Result{
			InputWidth:  320,
			InputHeight: 240,
			Detections:  []Detection{{Label: "motion", Score: 0.5, Box: Box{X: 40, Y: 40, Width: 100, Height: 80}}},
		}
		out, err := Annotate(frame, result)
		if err != nil {
			t.Fatalf("Annotate failed: %v", err)
		}

		img, err := imaging.Decode(bytes.NewReader(out))
		if err != nil {
			t.Fatalf("注釈付きフレームのデコードに失敗しました: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
			t.Fatalf("フレームの大きさが変わっています: %dx%d", b.Dx(), b.Dy())
		}

		// 枠の左辺（入力座標40 → フレーム座標80）は赤く、枠の内側は灰色のまま
		edge := color.NRGBAModel.Convert(img.At(82, 160)).(color.NRGBA)
		if int(edge.R) < int(edge.G)+60 {
			t.Errorf("枠が描かれていません: %+v", edge)
		}
		inside := color.NRGBAModel.Convert(img.At(180, 160)).(color.NRGBA)
		if int(inside.R)-int(inside.G) > 20 {
			t.Errorf("枠の内側が塗られています: %+v", inside)
		}
	})

	t.Run("不正なデータ", func(t *testing.T) {
		result := Result{InputWidth: 320, InputHeight: 240, Detections: []Detection{{Box: Box{Width: 1, Height: 1}}}}
		if _, err := Annotate([]byte("not a jpeg"), result); err == nil {
			t.Error("エラーが期待されましたが、エラーが発生しませんでした")
		}
	})
}
