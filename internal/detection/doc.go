// Package detection 稼働中のカメラのフレームを定期的に検出器へ渡す
//
// フレームはレジストリの LatestFrame から取得するため、キャプチャループを待たせることはない。
// 組み込みの検出器は前フレームとの差分による MotionDetector のみ。
package detection
