package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"mimamori/internal/camera"
	"mimamori/internal/config"
	"mimamori/internal/detection"
)

// jpegFrame はテスト用のJPEGを作成する
func jpegFrame(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(width, height, color.Gray{Y: 128}), imaging.JPEG); err != nil {
		t.Fatalf("JPEGのエンコードに失敗しました: %v", err)
	}
	return buf.Bytes()
}

// newTestServer はモックのソースを使うサーバーを作成する
func newTestServer(t *testing.T) (*Server, *camera.Registry) {
	t.Helper()
	return newTestServerWithDetector(t, nil)
}

// newTestServerWithDetector は det を使う検出フィードを動かした状態のテスト用サーバーを作成する
//
// det が nil なら検出機能は無効になる。
func newTestServerWithDetector(t *testing.T, det detection.Detector) (*Server, *camera.Registry) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	frame := jpegFrame(t, 640, 480)

	factory := camera.NewMockSourceFactory()
	factory.Configure = func(desc camera.Descriptor, src *camera.MockSource) {
		src.FrameData = func(int) []byte { return frame }
		if desc.ID == "busy" {
			src.OnOpen = func(int) error {
				return &camera.OpenError{Kind: camera.OpenBusy, Err: errTest("device or resource busy")}
			}
		}
	}

	reg := camera.NewRegistry(camera.RegistryOptions{
		Factory: factory,
		Policy:  camera.ReconnectPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond, Timeout: time.Second},
		Logger:  logger,
	})
	err := reg.SetDescriptors(context.Background(), []camera.Descriptor{
		{ID: "1", Name: "Webcam 0", Kind: camera.KindLocal, Width: 640, Height: 480, FPS: 15},
		{ID: "busy", Name: "Busy", Kind: camera.KindLocal, Width: 640, Height: 480, FPS: 15},
	})
	if err != nil {
		t.Fatalf("SetDescriptors failed: %v", err)
	}
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"

	mux := camera.NewMultiplexer(reg, camera.MultiplexerOptions{
		IdleTimeout: 100 * time.Millisecond,
		AutoOpen:    true,
		Logger:      logger,
	})

	deps := Deps{Cameras: reg, Multiplexer: mux}
	if det != nil {
		feed := detection.NewFeed(reg, det, detection.Options{Interval: 10 * time.Millisecond}, logger)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = feed.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		deps.Detections = feed
	}

	srv := New(cfg, deps, logger)
	return srv, reg
}

// fixedDetector は毎回同じ検出結果を返す
type fixedDetector []detection.Detection

func (d fixedDetector) Detect(context.Context, string, image.Image) ([]detection.Detection, error) {
	return d, nil
}

type errTest string

func (e errTest) Error() string { return string(e) }

// do はリクエストを実行して記録されたレスポンスを返す
func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("JSONの解析に失敗しました: %v (body=%s)", err, rec.Body.String())
	}
	return v
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リスナーの作成に失敗しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は基本的なエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name           string
		method         string
		endpoint       string
		expectedStatus int
	}{
		{"ヘルスチェックエンドポイント", http.MethodGet, "/health", http.StatusOK},
		{"ステータスエンドポイント", http.MethodGet, "/api/status", http.StatusOK},
		{"カメラ一覧", http.MethodGet, "/api/cameras", http.StatusOK},
		{"稼働中のカメラ一覧", http.MethodGet, "/api/cameras/active", http.StatusOK},
		{"カメラ詳細", http.MethodGet, "/api/cameras/1", http.StatusOK},
		{"存在しないカメラ", http.MethodGet, "/api/cameras/999", http.StatusNotFound},
		{"存在しないカメラのオープン", http.MethodPost, "/api/cameras/999/open", http.StatusNotFound},
		{"存在しないカメラのクローズ", http.MethodPost, "/api/cameras/999/close", http.StatusNotFound},
		{"未オープンのカメラのクローズ", http.MethodPost, "/api/cameras/1/close", http.StatusOK},
		{"検出機能が無効", http.MethodGet, "/api/cameras/1/detections", http.StatusNotFound},
		{"未オープンのスナップショット", http.MethodGet, "/stream/1/snapshot", http.StatusServiceUnavailable},
		{"不正な幅のスナップショット", http.MethodGet, "/stream/1/snapshot?width=abc", http.StatusBadRequest},
		{"存在しないカメラのストリーム", http.MethodGet, "/stream/999", http.StatusNotFound},
		{"再検出", http.MethodPost, "/api/cameras/discover", http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, tc.method, tc.endpoint)
			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d (body=%s)",
					rec.Code, tc.expectedStatus, rec.Body.String())
			}
		})
	}
}

// TestOpenAndClose はカメラのオープンとクローズをテストする
func TestOpenAndClose(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/cameras/1/open")
	if rec.Code != http.StatusOK {
		t.Fatalf("オープンに失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	opened := decode[OpenResponse](t, rec)
	if opened.Properties.Width != 640 || opened.Properties.Height != 480 {
		t.Errorf("プロパティが一致しません: %+v", opened.Properties)
	}
	if opened.Camera.State != camera.StateStreaming {
		t.Errorf("状態が一致しません: got %s, want %s", opened.Camera.State, camera.StateStreaming)
	}
	if opened.StreamURL != "/stream/1" {
		t.Errorf("ストリームURLが一致しません: %s", opened.StreamURL)
	}

	active := decode[CamerasResponse](t, do(t, srv, http.MethodGet, "/api/cameras/active"))
	if active.Count != 1 || active.Cameras[0].ID != "1" {
		t.Errorf("稼働中のカメラが一致しません: %+v", active)
	}

	rec = do(t, srv, http.MethodPost, "/api/cameras/1/close")
	if rec.Code != http.StatusOK {
		t.Fatalf("クローズに失敗しました: %d %s", rec.Code, rec.Body.String())
	}

	active = decode[CamerasResponse](t, do(t, srv, http.MethodGet, "/api/cameras/active"))
	if active.Count != 0 {
		t.Errorf("クローズ後も稼働中のカメラがあります: %+v", active)
	}

	info := decode[CameraInfo](t, do(t, srv, http.MethodGet, "/api/cameras/1"))
	if info.State != camera.StateClosed || info.Active {
		t.Errorf("クローズ後の状態が一致しません: %+v", info)
	}
}

// TestOpenBusy は使用中のデバイスが409になることをテストする
func TestOpenBusy(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/cameras/busy/open")
	if rec.Code != http.StatusConflict {
		t.Fatalf("予期しないステータスコード: got %d, want %d (body=%s)", rec.Code, http.StatusConflict, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Error != "camera_busy" {
		t.Errorf("エラーコードが一致しません: %s", resp.Error)
	}

	info := decode[CameraInfo](t, do(t, srv, http.MethodGet, "/api/cameras/busy"))
	if info.State != camera.StateFailed || info.Available {
		t.Errorf("失敗後の状態が一致しません: %+v", info)
	}
}

// TestSnapshot はスナップショットの取得と縮小をテストする
func TestSnapshot(t *testing.T) {
	srv, reg := newTestServer(t)

	if _, err := reg.Open(context.Background(), "1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForFrame(t, reg, "1")

	rec := do(t, srv, http.MethodGet, "/stream/1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("スナップショットの取得に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}

	rec = do(t, srv, http.MethodGet, "/stream/1/snapshot?width=160")
	if rec.Code != http.StatusOK {
		t.Fatalf("縮小スナップショットの取得に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	img, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("スナップショットのデコードに失敗しました: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 120 {
		t.Errorf("縮小後のサイズが一致しません: %dx%d", b.Dx(), b.Dy())
	}
}

// TestSnapshotAnnotate は検出枠付きスナップショットをテストする
func TestSnapshotAnnotate(t *testing.T) {
	det := fixedDetector{{Label: "motion", Score: 0.9, Box: detection.Box{X: 40, Y: 40, Width: 100, Height: 80}}}
	srv, reg := newTestServerWithDetector(t, det)

	if _, err := reg.Open(context.Background(), "1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForFrame(t, reg, "1")

	var rec *httptest.ResponseRecorder
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = do(t, srv, http.MethodGet, "/stream/1/snapshot?annotate=true")
		if rec.Header().Get("X-Detection-Count") != "" || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("スナップショットの取得に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Detection-Count"); got != "1" {
		t.Fatalf("X-Detection-Countが一致しません: %q", got)
	}

	img, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("スナップショットのデコードに失敗しました: %v", err)
	}
	// 入力320x240の座標40はフレーム640x480では80になる
	edge := color.NRGBAModel.Convert(img.At(82, 160)).(color.NRGBA)
	if int(edge.R) < int(edge.G)+60 {
		t.Errorf("検出枠が描かれていません: %+v", edge)
	}

	t.Run("annotateの指定が不正", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/stream/1/snapshot?annotate=maybe")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("予期しないステータスコード: %d", rec.Code)
		}
	})

	t.Run("annotateなし", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/stream/1/snapshot")
		if rec.Header().Get("X-Detection-Count") != "" {
			t.Error("annotateを指定しない場合は検出枠を描かないべきです")
		}
	})
}

// TestMJPEGStream はMJPEG配信をテストする
func TestMJPEGStream(t *testing.T) {
	srv, reg := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Typeが一致しません: %s", resp.Header.Get("Content-Type"))
	}

	// 購読時に自動でオープンされる
	if st, _ := reg.Get("1"); !st.Active {
		t.Errorf("カメラが稼働していません: %+v", st)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗しました: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("パートのContent-Typeが一致しません: %s", ct)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(part); err != nil {
			t.Fatalf("パートの読み込みに失敗しました: %v", err)
		}
		if _, err := imaging.Decode(&buf); err != nil {
			t.Errorf("フレームがJPEGではありません: %v", err)
		}
	}
}

// TestWebSocketStream はWebSocket配信をテストする
func TestWebSocketStream(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/cameras/1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocketの接続に失敗しました: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2; i++ {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("メッセージ %d の読み込みに失敗しました: %v", i, err)
		}
		if mt != websocket.BinaryMessage {
			t.Errorf("メッセージの種類が一致しません: %d", mt)
		}
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Errorf("メッセージがJPEGではありません")
		}
	}
}

// TestWebSocketUnknownCamera は存在しないカメラがアップグレード前に404になることをテストする
func TestWebSocketUnknownCamera(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/cameras/999"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("存在しないカメラへの接続でエラーが期待されました")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("予期しない応答: %v", resp)
	}
}

func waitForFrame(t *testing.T, reg *camera.Registry, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.LatestFrame(id); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("カメラ %s のフレームが届きませんでした", id)
}
