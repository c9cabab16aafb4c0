package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mimamori/internal/camera"
	"mimamori/internal/config"
	"mimamori/internal/detection"
)

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config     *config.Config
	cameras    camera.Manager
	mux        *camera.Multiplexer
	detections *detection.Feed
	logger     *zap.Logger
	startedAt  time.Time
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CameraInfo はカメラ一覧の1要素
type CameraInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        camera.SourceKind   `json:"type"`
	Resolution  string              `json:"resolution"`
	FPS         int                 `json:"fps"`
	Available   bool                `json:"available"`
	State       camera.CaptureState `json:"state"`
	Active      bool                `json:"active"`
	Properties  *camera.Properties  `json:"properties,omitempty"`
	Attempts    int                 `json:"attempts"`
	Reconnects  int                 `json:"reconnects"`
	Viewers     int                 `json:"viewers"`
	Sequence    uint64              `json:"sequence"`
	LastFrameAt *time.Time          `json:"last_frame_at,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
}

// CamerasResponse はカメラ一覧の応答
type CamerasResponse struct {
	Count   int          `json:"count"`
	Cameras []CameraInfo `json:"cameras"`
}

// OpenResponse はオープンの応答
type OpenResponse struct {
	Camera     CameraInfo        `json:"camera"`
	Properties camera.Properties `json:"properties"`
	StreamURL  string            `json:"stream_url"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	statuses := h.cameras.List()
	byState := make(map[camera.CaptureState]int)
	for _, st := range statuses {
		byState[st.State]++
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"cameras": gin.H{
			"total":    len(statuses),
			"by_state": byState,
		},
		"detection": h.detections != nil,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp": time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, newCamerasResponse(h.cameras.List()))
}

// GetActiveCameras は稼働中のカメラ一覧を返す
func (h *Handler) GetActiveCameras(c *gin.Context) {
	c.JSON(http.StatusOK, newCamerasResponse(h.cameras.Active()))
}

// GetCamera は1台のカメラの状態を返す
func (h *Handler) GetCamera(c *gin.Context) {
	st, ok := h.cameras.Get(c.Param("id"))
	if !ok {
		h.respondError(c, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, newCameraInfo(st))
}

// OpenCamera はカメラを開く
func (h *Handler) OpenCamera(c *gin.Context) {
	id := c.Param("id")

	props, err := h.cameras.Open(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("カメラを開けませんでした", zap.String("camera_id", id), zap.Error(err))
		h.respondError(c, err)
		return
	}

	st, _ := h.cameras.Get(id)
	c.JSON(http.StatusOK, OpenResponse{
		Camera:     newCameraInfo(st),
		Properties: props,
		StreamURL:  "/stream/" + id,
	})
}

// CloseCamera はカメラを閉じる（開かれていなければ何もしない）
func (h *Handler) CloseCamera(c *gin.Context) {
	id := c.Param("id")

	if err := h.cameras.Close(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	st, _ := h.cameras.Get(id)
	c.JSON(http.StatusOK, gin.H{
		"camera":  newCameraInfo(st),
		"message": "カメラを閉じました",
	})
}

// DiscoverCameras はカメラを再検出する
func (h *Handler) DiscoverCameras(c *gin.Context) {
	if _, err := h.cameras.Discover(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCamerasResponse(h.cameras.List()))
}

// GetDetections は最新の検出結果を返す
func (h *Handler) GetDetections(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.cameras.Get(id); !ok {
		h.respondError(c, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, id))
		return
	}

	if h.detections == nil {
		c.JSON(http.StatusNotFound, newErrorResponse("detection_disabled", "検出機能は無効です"))
		return
	}

	result, ok := h.detections.Latest(id)
	if !ok {
		c.JSON(http.StatusNotFound, newErrorResponse("no_detection", "検出結果がまだありません"))
		return
	}
	c.JSON(http.StatusOK, result)
}

// respondError はエラーの種類に応じたステータスコードで応答する
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code, message := classifyError(err)
	resp := newErrorResponse(code, message)
	details := err.Error()
	resp.Details = &details
	c.JSON(status, resp)
}

// classifyError はエラーをHTTPステータスとエラーコードに変換する
func classifyError(err error) (int, string, string) {
	var oerr *camera.OpenError
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		return http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません"
	case errors.Is(err, camera.ErrCameraUnavailable):
		return http.StatusServiceUnavailable, "camera_unavailable", "カメラが利用できません"
	case errors.Is(err, camera.ErrNoFrame):
		return http.StatusServiceUnavailable, "frame_not_available", "フレームがまだありません"
	case errors.As(err, &oerr):
		switch oerr.Kind {
		case camera.OpenBusy:
			return http.StatusConflict, "camera_busy", "カメラは使用中です"
		case camera.OpenAuth:
			return http.StatusServiceUnavailable, "camera_auth_failed", "カメラの認証に失敗しました"
		case camera.OpenAbsent:
			return http.StatusServiceUnavailable, "camera_absent", "カメラが見つかりません"
		case camera.OpenTimeout:
			return http.StatusServiceUnavailable, "camera_timeout", "カメラへの接続がタイムアウトしました"
		default:
			return http.StatusServiceUnavailable, "camera_open_failed", "カメラを開けませんでした"
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout", "処理が中断されました"
	default:
		return http.StatusInternalServerError, "internal_error", "内部エラーが発生しました"
	}
}

// ヘルパー関数

func newErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func newCameraInfo(st camera.Status) CameraInfo {
	info := CameraInfo{
		ID:         st.ID,
		Name:       st.Name,
		Type:       st.Kind,
		Resolution: st.Resolution(),
		FPS:        st.FPS,
		Available:  st.State != camera.StateFailed,
		State:      st.State,
		Active:     st.Active,
		Attempts:   st.Attempts,
		Reconnects: st.Reconnects,
		Viewers:    st.Viewers,
		Sequence:   st.Sequence,
		LastError:  st.LastError,
	}
	if st.Properties != (camera.Properties{}) {
		props := st.Properties
		info.Properties = &props
	}
	if !st.LastFrameAt.IsZero() {
		at := st.LastFrameAt
		info.LastFrameAt = &at
	}
	return info
}

func newCamerasResponse(statuses []camera.Status) CamerasResponse {
	cameras := make([]CameraInfo, 0, len(statuses))
	for _, st := range statuses {
		cameras = append(cameras, newCameraInfo(st))
	}
	return CamerasResponse{Count: len(cameras), Cameras: cameras}
}
