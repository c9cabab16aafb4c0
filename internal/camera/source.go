package camera

import (
	"context"
	"fmt"
	"net/url"
)

// Source は単一の映像入力を抽象化するインターフェース
//
// 実装は LocalDeviceSource と NetworkStreamSource の2種類に限られる。
type Source interface {
	// Open はデバイス・接続を確保する
	// 前回の Open / Read が失敗していた場合は、残っている接続を破棄してから開き直す。
	Open(ctx context.Context) (Properties, error)

	// Read は新しいフレームが1枚得られるまでブロックする
	// 失敗時は *ReadError を返す。
	Read(ctx context.Context) (Frame, error)

	// Close は全てのリソースを解放する（冪等）
	Close() error

	// Properties は実際にネゴシエートされた解像度とフレームレートを返す
	Properties() Properties

	// Kind はソース種別を返す
	Kind() SourceKind
}

// Credentials はネットワークカメラの認証情報
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CredentialResolver は認証情報の参照名を解決する
type CredentialResolver func(ref string) (Credentials, bool)

// SourceFactory はディスクリプタからソースを作成する
type SourceFactory interface {
	CreateSource(desc Descriptor) (Source, error)
}

// SourceFactoryFunc は関数を SourceFactory として扱うアダプタ
type SourceFactoryFunc func(desc Descriptor) (Source, error)

// CreateSource は f(desc) を呼ぶ
func (f SourceFactoryFunc) CreateSource(desc Descriptor) (Source, error) {
	return f(desc)
}

// DefaultSourceFactory はffmpegを使う標準のソースファクトリー
type DefaultSourceFactory struct {
	FFmpegPath  string
	Credentials CredentialResolver
	Policy      ReconnectPolicy
}

// NewSourceFactory は新しいDefaultSourceFactoryを作成する
func NewSourceFactory(ffmpegPath string, creds CredentialResolver, policy ReconnectPolicy) *DefaultSourceFactory {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &DefaultSourceFactory{
		FFmpegPath:  ffmpegPath,
		Credentials: creds,
		Policy:      policy.withDefaults(),
	}
}

// CreateSource はソース種別に応じたソースを作成する
func (f *DefaultSourceFactory) CreateSource(desc Descriptor) (Source, error) {
	switch desc.Kind {
	case KindLocal:
		return NewLocalDeviceSource(f.FFmpegPath, desc), nil

	case KindNetwork:
		if desc.URL == "" {
			return nil, fmt.Errorf("カメラ %s のURLが設定されていません", desc.ID)
		}
		streamURL, err := f.streamURL(desc)
		if err != nil {
			return nil, err
		}
		return NewNetworkStreamSource(f.FFmpegPath, streamURL, desc, f.Policy.Timeout), nil

	default:
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", desc.Kind)
	}
}

// streamURL は認証情報を埋め込んだURLを組み立てる
func (f *DefaultSourceFactory) streamURL(desc Descriptor) (*url.URL, error) {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のURLが不正です: %w", desc.ID, err)
	}

	if desc.CredentialsRef == "" || f.Credentials == nil {
		return u, nil
	}

	creds, ok := f.Credentials(desc.CredentialsRef)
	if !ok {
		return nil, fmt.Errorf("カメラ %s の認証情報 %q が見つかりません", desc.ID, desc.CredentialsRef)
	}
	u.User = url.UserPassword(creds.Username, creds.Password)
	return u, nil
}

// RedactURL は認証情報を伏せたURLを返す（解析できなければそのまま返す）
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
