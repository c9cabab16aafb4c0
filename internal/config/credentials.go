package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mimamori/internal/camera"
)

// Credentials は参照名から認証情報を引く表
//
// ファイルは次の形式のYAML:
//
//	front-door:
//	  username: admin
//	  password: secret
type Credentials map[string]camera.Credentials

// LoadCredentials は認証情報ファイルを読み込む
// path が空、またはファイルが存在しない場合は空の表を返す。
func LoadCredentials(path string) (Credentials, error) {
	creds := Credentials{}
	if path == "" {
		return creds, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("認証情報ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("認証情報ファイルの解析に失敗 (%s): %w", path, err)
	}
	return creds, nil
}

// Resolve は参照名に対応する認証情報を返す
func (c Credentials) Resolve(ref string) (camera.Credentials, bool) {
	cred, ok := c[ref]
	return cred, ok
}
