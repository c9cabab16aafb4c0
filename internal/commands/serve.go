package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mimamori/internal/camera"
	"mimamori/internal/detection"
	"mimamori/internal/server"
)

// stopTimeout は終了時にカメラを閉じる待ち時間
const stopTimeout = 10 * time.Second

// GetServeCommand はサーバーを起動するコマンドを返す
func GetServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "カメラを検出してHTTPサーバーを起動する",
		Description: `カメラの管理APIとMJPEG/WebSocket配信を提供する。

Examples:
  mimamori serve --port 8080
  mimamori --config /etc/mimamori/config.yaml serve`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "サーバーのホスト (デフォルト: 0.0.0.0)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "サーバーのポート (デフォルト: 8080)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cc, err := NewCommandContext(c)
	if err != nil {
		return err
	}
	defer func() { _ = cc.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runServer(ctx, cc)
}

// runServer はレジストリ・検出フィード・HTTPサーバーを起動し、ctx の終了まで動かす
func runServer(ctx context.Context, cc *CommandContext) error {
	cfg := cc.Config
	logger := cc.Logger

	registry, err := cc.NewRegistry()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := registry.Stop(stopCtx); err != nil {
			logger.Warn("カメラの停止に失敗", zap.Error(err))
		}
	}()

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("カメラレジストリの開始に失敗: %w", err)
	}
	for _, d := range registry.Descriptors() {
		logger.Info("カメラを登録しました",
			zap.String("camera_id", d.ID),
			zap.String("name", d.Name),
			zap.String("kind", string(d.Kind)),
			zap.String("resolution", d.Resolution()),
		)
	}

	mux := camera.NewMultiplexer(registry, camera.MultiplexerOptions{
		IdleTimeout: cfg.Stream.IdleTimeout,
		AutoOpen:    cfg.Stream.AutoOpen,
		Logger:      logger.Named("stream"),
	})

	var feed *detection.Feed
	if cfg.Detection.Enabled {
		feed = detection.NewFeed(registry, detection.NewMotionDetector(cfg.Detection.MotionThreshold), detection.Options{
			Interval:    cfg.Detection.Interval,
			InputWidth:  cfg.Detection.InputWidth,
			InputHeight: cfg.Detection.InputHeight,
		}, logger.Named("detection"))
	}

	srv := server.New(cfg, server.Deps{
		Cameras:     registry,
		Multiplexer: mux,
		Detections:  feed,
	}, logger.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if feed != nil {
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}

	logger.Info("mimamori を起動しました", zap.String("address", cfg.ServerAddress()))
	return g.Wait()
}
