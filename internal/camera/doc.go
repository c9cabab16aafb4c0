// Package camera カメラへの接続とフレーム配信を担う
//
// # 責務
// - ローカルデバイス（V4L2）とネットワークカメラ（RTSP）を同じ Source インターフェースで扱う
// - カメラごとに1つのキャプチャループを動かし、最新フレームを FrameSlot に公開する
// - ネットワークカメラの切断時に ReconnectPolicy に従って再接続する
// - 複数のビューアーに同じループのフレームを配る
//
// # 仕様
//   - Registry: カメラIDごとにオープン・クローズを直列化し、同時に存在するループを1つに保つ
//   - CaptureLoop: Idle → Connecting → Streaming → (Reconnecting) → Failed / Closed の状態機械
//   - FrameSlot: 書き手1人・読み手多数の単一スロット。シーケンス番号は単調増加
//   - Multiplexer: ビューアーはシーケンス番号で新しいフレームを待つ（ポーリングしない）
//   - ローカルデバイスは再試行しない。フレームは左右反転して配信する
//   - ネットワークカメラの読み取り失敗は全て一時的な失敗として再接続の対象になる
//
// # 前提要件
//   - ffmpeg: キャプチャとMJPEGへのエンコードに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得とフォーマット判定に使用（無くても動作する）
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
