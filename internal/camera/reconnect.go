package camera

import (
	"time"
)

// ReconnectPolicy はネットワークソースの再接続パラメータ
//
// 遅延は試行ごとに一定（指数バックオフは行わない）。
type ReconnectPolicy struct {
	MaxAttempts int           // 1エピソード内の最大試行回数
	Delay       time.Duration // 試行間の待ち時間
	Timeout     time.Duration // 1回の接続試行のタイムアウト
}

// DefaultReconnectPolicy はデフォルトの再接続設定を返す
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Timeout:     10 * time.Second,
	}
}

// withDefaults は未設定の値をデフォルトで埋める
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// ActionKind は再接続判定の種類
type ActionKind string

const (
	ActionRetry  ActionKind = "retry"
	ActionGiveUp ActionKind = "give_up"
)

// Action は再接続ポリシーの判定結果
type Action struct {
	Kind  ActionKind
	After time.Duration // Retry の場合の待ち時間
}

// ReconnectContext は1回の再接続エピソードのカウンタ
type ReconnectContext struct {
	Attempts  int           // 失敗した試行の数
	Waited    time.Duration // 累積待ち時間
	StartedAt time.Time     // エピソード開始時刻
}

// Next は次の行動を決める
//
// 失敗回数が MaxAttempts に達した時点で GiveUp を返すので、
// 接続試行は合計 MaxAttempts 回、待機は MaxAttempts-1 回になる。
func (p ReconnectPolicy) Next(rc ReconnectContext) Action {
	p = p.withDefaults()
	if rc.Attempts >= p.MaxAttempts {
		return Action{Kind: ActionGiveUp}
	}
	return Action{Kind: ActionRetry, After: p.Delay}
}
