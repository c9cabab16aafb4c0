package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"mimamori/internal/camera"
	"mimamori/internal/config"
	"mimamori/internal/logging"
)

// CommandContext は全てのコマンドで共通のコンテキスト
type CommandContext struct {
	Logger *zap.Logger
	Config *config.Config
}

// NewCommandContext は設定とロガーを準備する
//
// 設定ファイル、環境変数、コマンドラインフラグの順に上書きする。
func NewCommandContext(c *cli.Context) (*CommandContext, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("development") {
		cfg.Logging.Development = c.Bool("development")
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("ffmpeg") {
		cfg.Camera.FFmpegPath = c.String("ffmpeg")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	return &CommandContext{
		Logger: logger,
		Config: cfg,
	}, nil
}

// NewRegistry は設定からカメラレジストリを組み立てる
func (cc *CommandContext) NewRegistry() (*camera.Registry, error) {
	cfg := cc.Config

	creds, err := config.LoadCredentials(cfg.Camera.CredentialsFile)
	if err != nil {
		return nil, err
	}

	policy := cfg.ReconnectPolicy()
	catalog := &camera.Catalog{
		MaxLocal:   cfg.Camera.Discovery.MaxLocalDevices,
		Defaults:   cfg.DefaultProperties(),
		Configured: cfg.Descriptors(),
	}
	if cfg.Camera.Discovery.Enabled {
		catalog.Discovery = camera.NewLinuxDiscovery()
	}

	return camera.NewRegistry(camera.RegistryOptions{
		Factory:      camera.NewSourceFactory(cfg.Camera.FFmpegPath, creds.Resolve, policy),
		Catalog:      catalog,
		Policy:       policy,
		ScanInterval: cfg.Camera.Discovery.ScanInterval,
		Logger:       cc.Logger.Named("camera"),
	}), nil
}
