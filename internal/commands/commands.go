package commands

import (
	"github.com/urfave/cli/v2"
)

// NewApp はCLIアプリケーションを作成する
func NewApp(version string) *cli.App {
	return &cli.App{
		Name:    "mimamori",
		Usage:   "家庭用カメラの接続と映像配信",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "設定ファイルのパス",
				EnvVars: []string{"MIMAMORI_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "ログレベル (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "development",
				Usage: "開発向けのログ形式で出力する",
			},
			&cli.StringFlag{
				Name:  "ffmpeg",
				Usage: "ffmpegのパス",
			},
		},
		Commands: GetCommands(),
		// サブコマンドを省略した場合はサーバーを起動する
		Action: serveAction,
	}
}

// GetCommands は全てのコマンドを返す
func GetCommands() []*cli.Command {
	return []*cli.Command{
		GetServeCommand(),
		GetCamerasCommand(),
		GetSnapshotCommand(),
	}
}
