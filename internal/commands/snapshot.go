package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// GetSnapshotCommand はカメラから1枚撮影するコマンドを返す
func GetSnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "カメラを開いて1フレームをJPEGで保存する",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "camera",
				Usage:    "カメラID",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Value:   "snapshot.jpg",
				Usage:   "出力ファイル",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 15 * time.Second,
				Usage: "フレームを待つ時間",
			},
		},
		Action: func(c *cli.Context) error {
			cc, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer func() { _ = cc.Logger.Sync() }()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			data, err := captureSnapshot(ctx, cc, c.String("camera"))
			if err != nil {
				return err
			}

			out := c.String("out")
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
			}
			cc.Logger.Info("スナップショットを保存しました", zap.String("path", out), zap.Int("bytes", len(data)))
			return nil
		},
	}
}

// captureSnapshot はカメラを開いて最初のフレームを返す
func captureSnapshot(ctx context.Context, cc *CommandContext, id string) ([]byte, error) {
	registry, err := cc.NewRegistry()
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = registry.Stop(stopCtx)
	}()

	if _, err := registry.Discover(ctx); err != nil {
		return nil, fmt.Errorf("カメラの検出に失敗: %w", err)
	}
	if _, err := registry.Open(ctx, id); err != nil {
		return nil, fmt.Errorf("カメラ %s を開けませんでした: %w", id, err)
	}

	loop := registry.Loop(id)
	if loop == nil {
		return nil, fmt.Errorf("カメラ %s のキャプチャが開始されていません", id)
	}
	snap, err := loop.Slot().Wait(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("フレームを取得できませんでした: %w", err)
	}
	return snap.Data, nil
}
