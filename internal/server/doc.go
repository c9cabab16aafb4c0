// Package server は、カメラの管理APIと映像配信のHTTPサーバーを提供します。
//
// 責務:
//   - カメラ一覧・状態の取得、オープン・クローズ、再検出のREST API
//   - MJPEG（multipart/x-mixed-replace; boundary=frame）によるライブ配信
//   - WebSocketによるライブ配信（1メッセージ1JPEG）
//   - スナップショットの配信（任意で縮小）
//   - 検出フィードの最新結果の取得
//
// 仕様:
//   - ルーティングはgin、CORSはrs/cors、WebSocketはgorilla/websocketを使用
//   - リクエストログはzapに出力
//   - グレースフルシャットダウンに対応（配信中のストリームはキャンセルで終了）
//   - 配信はカメラごとに1つのキャプチャループを複数のビューアーで共有する
package server
