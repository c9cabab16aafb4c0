package server

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mimamori/internal/camera"
	"mimamori/internal/detection"
)

const (
	// mjpegBoundary はMJPEGストリームのパート境界
	mjpegBoundary = "frame"
	// wsWriteTimeout はWebSocketへの1フレームの書き込み期限
	wsWriteTimeout = 5 * time.Second
	// maxSnapshotWidth はスナップショット縮小時の最大幅
	maxSnapshotWidth = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// オリジンの制限はCORSの設定に任せる
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetCameraStream(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	sub, err := h.mux.Subscribe(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Close()

	h.streamMJPEG(c, sub)
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context, sub *camera.Subscription) {
	mw := multipart.NewWriter(c.Writer)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	logger := h.logger.With(zap.String("camera_id", sub.CameraID), zap.String("subscription_id", sub.ID))
	logger.Info("MJPEGストリームを開始しました")

	ctx := c.Request.Context()
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Info("MJPEGストリームを終了しました", zap.Error(err))
			}
			return
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", strconv.Itoa(len(snap.Data)))

		part, err := mw.CreatePart(header)
		if err != nil {
			return
		}
		if _, err := part.Write(snap.Data); err != nil {
			// クライアントが切断された
			return
		}
		c.Writer.Flush()
	}
}

// GetSnapshot は最新フレームを1枚返す
//
// width を指定すると縦横比を保ったまま縮小する。
// annotate=true を指定すると最新の検出結果の枠を描き込む。
func (h *Handler) GetSnapshot(c *gin.Context) {
	id := c.Param("id")

	annotate := false
	if v := c.Query("annotate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, newErrorResponse("invalid_annotate", "annotate は true か false で指定してください"))
			return
		}
		annotate = b
	}

	width := 0
	if v := c.Query("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSnapshotWidth {
			c.JSON(http.StatusBadRequest, newErrorResponse("invalid_width", "width は1から4096の整数で指定してください"))
			return
		}
		width = n
	}

	snap, err := h.cameras.LatestFrame(id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Sequence", strconv.FormatUint(snap.Seq, 10))

	data := snap.Data
	if annotate && h.detections != nil {
		if result, ok := h.detections.Latest(id); ok {
			annotated, err := detection.Annotate(data, result)
			if err != nil {
				h.logger.Warn("検出枠の描画に失敗", zap.String("camera_id", id), zap.Error(err))
				h.respondError(c, err)
				return
			}
			data = annotated
			c.Header("X-Detection-Count", strconv.Itoa(len(result.Detections)))
			c.Header("X-Detection-Sequence", strconv.FormatUint(result.Sequence, 10))
		}
	}

	if width == 0 {
		c.Data(http.StatusOK, "image/jpeg", data)
		return
	}

	data, err = resizeJPEG(data, width)
	if err != nil {
		h.logger.Warn("スナップショットの縮小に失敗", zap.String("camera_id", id), zap.Error(err))
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// resizeJPEG はJPEGを指定幅に縮小する（元より大きくはしない）
func resizeJPEG(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() <= width {
		return data, nil
	}

	resized := imaging.Resize(img, width, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetCameraWebSocket はWebSocketでフレームをバイナリメッセージとして配信する
func (h *Handler) GetCameraWebSocket(c *gin.Context) {
	id := c.Param("id")

	sub, err := h.mux.Subscribe(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗", zap.String("camera_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("camera_id", id), zap.String("subscription_id", sub.ID))
	logger.Info("WebSocketストリームを開始しました")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// クライアントからのメッセージは読み捨て、切断を検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocketの読み取りエラー", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrStreamEnded) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(time.Second))
			}
			logger.Info("WebSocketストリームを終了しました", zap.Error(err))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, snap.Data); err != nil {
			logger.Debug("WebSocketへの書き込みに失敗", zap.Error(err))
			return
		}
	}
}
