package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"mimamori/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Stream    StreamConfig    `yaml:"stream"`
	Detection DetectionConfig `yaml:"detection"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト（ストリーミングのため通常は0）

	CORSOrigins []string `yaml:"cors_origins"` // 許可するオリジン
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// デフォルト設定
	DefaultFPS    int `yaml:"default_fps"`    // フレームレート (fps)
	DefaultWidth  int `yaml:"default_width"`  // 画像幅
	DefaultHeight int `yaml:"default_height"` // 画像高さ

	FFmpegPath      string          `yaml:"ffmpeg_path"`
	CredentialsFile string          `yaml:"credentials_file"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`

	// 明示的に宣言するカメラ
	Devices []CameraDevice `yaml:"devices"`
}

// DiscoveryConfig はローカルデバイス検出の設定
type DiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxLocalDevices int           `yaml:"max_local_devices"`
	ScanInterval    time.Duration `yaml:"scan_interval"` // 0 なら再検出しない
}

// ReconnectConfig はネットワークカメラの再接続設定
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID     string `yaml:"id"`     // カメラID（省略時は連番）
	Name   string `yaml:"name"`   // カメラ名
	Type   string `yaml:"type"`   // local / network
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)
	Index  int    `yaml:"index"`  // デバイス番号（device 省略時）

	URL         string `yaml:"url"`         // RTSP URL
	Credentials string `yaml:"credentials"` // 認証情報の参照名

	// カメラ固有の設定（デフォルト値より優先）
	FPS    int `yaml:"fps"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// StreamConfig はビューアー向け配信の設定
type StreamConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	AutoOpen    bool          `yaml:"auto_open"`
}

// DetectionConfig は検出フィードの設定
type DetectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	InputWidth      int           `yaml:"input_width"`
	InputHeight     int           `yaml:"input_height"`
	MotionThreshold float64       `yaml:"motion_threshold"` // 変化した画素の割合 (0-1)
}

// LoggingConfig はログの設定
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
			CORSOrigins:  []string{"*"},
		},
		Camera: CameraConfig{
			DefaultFPS:    15,
			DefaultWidth:  1280,
			DefaultHeight: 720,
			FFmpegPath:    "ffmpeg",
			Discovery: DiscoveryConfig{
				Enabled:         true,
				MaxLocalDevices: 4,
				ScanInterval:    0,
			},
			Reconnect: ReconnectConfig{
				MaxAttempts: 3,
				Delay:       2 * time.Second,
				Timeout:     10 * time.Second,
			},
		},
		Stream: StreamConfig{
			IdleTimeout: 5 * time.Second,
			AutoOpen:    true,
		},
		Detection: DetectionConfig{
			Enabled:         false,
			Interval:        time.Second,
			InputWidth:      320,
			InputHeight:     240,
			MotionThreshold: 0.02,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
//
// path のYAMLファイルをデフォルト値に重ね、環境変数で上書きしてから検証する。
// path が空、またはファイルが存在しない場合はデフォルト値から始める。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// ファイルが無ければデフォルト値を使う
		case err != nil:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// applyEnv は環境変数による上書きを適用する
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Camera.DefaultFPS < 0 || c.Camera.DefaultWidth < 0 || c.Camera.DefaultHeight < 0 {
		return errors.New("カメラのデフォルト値に負の値は指定できません")
	}

	r := c.Camera.Reconnect
	if r.MaxAttempts < 1 {
		return fmt.Errorf("無効な再接続回数: %d", r.MaxAttempts)
	}
	if r.Delay < 0 || r.Timeout <= 0 {
		return fmt.Errorf("無効な再接続の待ち時間またはタイムアウト: delay=%s timeout=%s", r.Delay, r.Timeout)
	}

	ids := make(map[string]bool)
	for i, d := range c.Camera.Devices {
		switch d.Type {
		case "", string(camera.KindLocal):
		case string(camera.KindNetwork):
			if d.URL == "" {
				return fmt.Errorf("camera.devices[%d]: ネットワークカメラにはURLが必要です", i)
			}
		default:
			return fmt.Errorf("camera.devices[%d]: 不明なカメラ種別: %s", i, d.Type)
		}
		if d.ID != "" {
			if ids[d.ID] {
				return fmt.Errorf("camera.devices[%d]: カメラIDが重複しています: %s", i, d.ID)
			}
			ids[d.ID] = true
		}
	}

	if c.Detection.Enabled {
		if c.Detection.Interval <= 0 {
			return fmt.Errorf("無効な検出間隔: %s", c.Detection.Interval)
		}
		if c.Detection.MotionThreshold < 0 || c.Detection.MotionThreshold > 1 {
			return fmt.Errorf("無効な動き検出のしきい値: %v", c.Detection.MotionThreshold)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ReconnectPolicy は再接続設定をカメラパッケージの型に変換する
func (c *Config) ReconnectPolicy() camera.ReconnectPolicy {
	return camera.ReconnectPolicy{
		MaxAttempts: c.Camera.Reconnect.MaxAttempts,
		Delay:       c.Camera.Reconnect.Delay,
		Timeout:     c.Camera.Reconnect.Timeout,
	}
}

// DefaultProperties は検出したローカルデバイスに使う宣言値を返す
func (c *Config) DefaultProperties() camera.Properties {
	return camera.Properties{
		Width:  c.Camera.DefaultWidth,
		Height: c.Camera.DefaultHeight,
		FPS:    c.Camera.DefaultFPS,
	}
}

// Descriptors は設定で宣言されたカメラのディスクリプタを返す
//
// IDの採番は camera.BuildDescriptors が行う。
func (c *Config) Descriptors() []camera.Descriptor {
	descs := make([]camera.Descriptor, 0, len(c.Camera.Devices))
	for _, d := range c.Camera.Devices {
		desc := camera.Descriptor{
			ID:     d.ID,
			Name:   d.Name,
			Kind:   camera.KindLocal,
			FPS:    orDefault(d.FPS, c.Camera.DefaultFPS),
			Width:  orDefault(d.Width, c.Camera.DefaultWidth),
			Height: orDefault(d.Height, c.Camera.DefaultHeight),
		}

		if d.Type == string(camera.KindNetwork) {
			desc.Kind = camera.KindNetwork
			desc.URL = d.URL
			desc.CredentialsRef = d.Credentials
			// ネットワークカメラはストリーム側の解像度に従う
			desc.Width, desc.Height = d.Width, d.Height
		} else {
			desc.DevicePath = d.Device
			desc.DeviceIndex = d.Index
			if d.Device == "" {
				desc.DevicePath = "/dev/video" + strconv.Itoa(d.Index)
			}
		}
		descs = append(descs, desc)
	}
	return descs
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
