package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"mimamori/internal/camera"
	"mimamori/internal/config"
	"mimamori/internal/detection"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Deps はサーバーが使うコンポーネント
type Deps struct {
	Cameras     camera.Manager
	Multiplexer *camera.Multiplexer
	Detections  *detection.Feed // nil なら検出結果のエンドポイントは404を返す
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	engine     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		config:     cfg,
		cameras:    deps.Cameras,
		mux:        deps.Multiplexer,
		detections: deps.Detections,
		logger:     logger,
		startedAt:  time.Now(),
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
	}
	s.engine = s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はCORSを適用したHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	if len(s.config.Server.CORSOrigins) == 0 {
		return s.engine
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.config.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	}).Handler(s.engine)
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(gin.Recovery())

	h := s.handler

	// ヘルスチェック・状態
	router.GET("/health", h.HealthCheck)
	router.GET("/api/status", h.GetStatus)

	// カメラ管理
	api := router.Group("/api/cameras")
	{
		api.GET("", h.GetCameras)
		api.GET("/active", h.GetActiveCameras)
		api.POST("/discover", h.DiscoverCameras)
		api.GET("/:id", h.GetCamera)
		api.POST("/:id/open", h.OpenCamera)
		api.POST("/:id/close", h.CloseCamera)
		api.GET("/:id/detections", h.GetDetections)
	}

	// 配信
	router.GET("/stream/:id", h.GetCameraStream)
	router.GET("/stream/:id/snapshot", h.GetSnapshot)
	router.GET("/ws/cameras/:id", h.GetCameraWebSocket)

	return router
}

// requestLogger はリクエストをzapで記録するミドルウェア
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Output: io.Discard,
		Formatter: func(param gin.LogFormatterParams) string {
			logger.Info("HTTP Request",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
	})
}

// Start はサーバーを起動し、ctx がキャンセルされたらシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で待ち受ける
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// ストリーム配信中のリクエストも ctx のキャンセルで終わらせる
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 待ち時間を過ぎても残っている接続は強制的に閉じる。
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
		}
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
