package camera

import (
	"context"
	"fmt"
	"time"
)

// SourceKind は映像ソースの種類を表す
type SourceKind string

const (
	KindLocal   SourceKind = "local"   // ローカルのキャプチャデバイス
	KindNetwork SourceKind = "network" // RTSP等のネットワークカメラ
)

// CaptureState はキャプチャループの動作状態を表す
type CaptureState string

const (
	StateIdle         CaptureState = "idle"         // 未オープン
	StateConnecting   CaptureState = "connecting"   // 接続中
	StateStreaming    CaptureState = "streaming"    // フレーム取得中
	StateReconnecting CaptureState = "reconnecting" // 再接続待ち
	StateFailed       CaptureState = "failed"       // 失敗（終端）
	StateClosed       CaptureState = "closed"       // クローズ済み（終端）
)

// Terminal は終端状態かどうかを返す
func (s CaptureState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Live はループが稼働中（フレームを配信しうる）かどうかを返す
func (s CaptureState) Live() bool {
	return s == StateConnecting || s == StateStreaming || s == StateReconnecting
}

// Descriptor はカメラの識別情報と静的メタデータ
//
// 検出時に作成され、再検出時には丸ごと置き換えられる。
type Descriptor struct {
	ID   string     `json:"id"`   // カメラの一意識別子
	Name string     `json:"name"` // 表示名
	Kind SourceKind `json:"type"` // ソース種別

	// ローカルデバイス用
	DeviceIndex int    `json:"device_index"`     // デバイス番号
	DevicePath  string `json:"device,omitempty"` // デバイスパス（例: /dev/video0）

	// ネットワークカメラ用
	URL            string `json:"-"` // RTSP URL（認証情報は含めない）
	CredentialsRef string `json:"-"` // 認証情報の参照名

	// 宣言された解像度とフレームレート
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// Resolution は宣言解像度を "1280x720" 形式で返す
func (d Descriptor) Resolution() string {
	if d.Width <= 0 || d.Height <= 0 {
		return "Variable"
	}
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Properties はソースと実際にネゴシエートされた値
type Properties struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// Frame はソースから読み取った1フレーム
type Frame struct {
	Data       []byte    // JPEGデータ
	CapturedAt time.Time // キャプチャ時刻
}

// Status はレジストリが公開するカメラごとの状態
type Status struct {
	Descriptor
	State       CaptureState `json:"state"`
	Active      bool         `json:"active"`
	Properties  Properties   `json:"properties"`
	Attempts    int          `json:"attempts"`   // 現在の再接続エピソードの試行回数
	Reconnects  int          `json:"reconnects"` // 再接続に成功した回数
	Viewers     int          `json:"viewers"`
	Sequence    uint64       `json:"sequence"`
	LastFrameAt time.Time    `json:"last_frame_at"`
	LastError   string       `json:"last_error,omitempty"`
}

// Manager はカメラのライフサイクル管理を担うインターフェース
type Manager interface {
	// List は既知のカメラと現在の状態を返す（I/Oでブロックしない）
	List() []Status

	// Get は指定されたIDのカメラ状態を取得する
	Get(id string) (Status, bool)

	// Active は稼働中のカメラ一覧を返す
	Active() []Status

	// Open はカメラを開いてキャプチャを開始する
	Open(ctx context.Context, id string) (Properties, error)

	// Close はカメラのキャプチャを停止する
	Close(ctx context.Context, id string) error

	// LatestFrame は最新フレームのスナップショットを返す
	LatestFrame(id string) (Snapshot, error)

	// Discover はカメラを再検出してディスクリプタを置き換える
	Discover(ctx context.Context) ([]Descriptor, error)
}
