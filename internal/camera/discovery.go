package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Discovery はローカルのキャプチャデバイスを検出する
type Discovery interface {
	// ScanDevices は利用可能なデバイスパスをデバイス番号順に返す
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はデバイスの詳細情報
type DeviceInfo struct {
	Device string // デバイスパス
	Index  int    // デバイス番号
	Name   string // 表示名
}

var deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery は /dev/video* を走査するLinux向けの実装
type LinuxDiscovery struct {
	// Pattern は走査するglobパターン
	Pattern string
	// V4L2Ctl はv4l2-ctlのパス（空なら名前の取得とフォーマット判定を行わない）
	V4L2Ctl string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	d := &LinuxDiscovery{Pattern: "/dev/video*"}
	if path, err := exec.LookPath("v4l2-ctl"); err == nil {
		d.V4L2Ctl = path
	}
	return d
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.Pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seenNames := make(map[string]bool)
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) || !d.isColorCapture(ctx, match) {
			continue
		}

		// 同じ物理カメラの複数ノードは番号の小さいものだけを採用する
		if name := d.deviceName(ctx, match); name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !deviceNumberPattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	index := extractDeviceNumber(device)
	name := d.deviceName(ctx, device)
	if name == "" {
		name = fmt.Sprintf("Webcam %d", index)
	}
	return &DeviceInfo{Device: device, Index: index, Name: name}, nil
}

// isColorCapture はカラーのキャプチャフォーマットを持つノードかどうかを判定する
// v4l2-ctl が無い環境では全てのノードを候補とする。
func (d *LinuxDiscovery) isColorCapture(ctx context.Context, device string) bool {
	if d.V4L2Ctl == "" {
		return true
	}

	output, err := d.v4l2ctl(ctx, device, "--list-formats-ext")
	if err != nil {
		return false
	}
	return strings.Contains(output, "YUYV") || strings.Contains(output, "MJPG")
}

// deviceName はv4l2-ctlの "Card type" からカメラ名を取得する
func (d *LinuxDiscovery) deviceName(ctx context.Context, device string) string {
	if d.V4L2Ctl == "" {
		return ""
	}

	output, err := d.v4l2ctl(ctx, device, "--info")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (d *LinuxDiscovery) v4l2ctl(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.V4L2Ctl, append([]string{"--device", device}, args...)...)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// DescriptorSource はディスクリプタ一覧の供給元
type DescriptorSource interface {
	Descriptors(ctx context.Context) ([]Descriptor, error)
}

// Catalog はローカルデバイスの検出結果と設定済みカメラからディスクリプタを組み立てる
type Catalog struct {
	Discovery  Discovery    // nil ならローカルデバイスを検出しない
	MaxLocal   int          // 検出するローカルデバイスの上限（0以下で無制限）
	Defaults   Properties   // 検出したローカルデバイスの宣言値
	Configured []Descriptor // 設定ファイルで宣言されたカメラ
}

// Descriptors はローカルデバイスを先に、設定済みカメラを後に並べたディスクリプタを返す
func (c *Catalog) Descriptors(ctx context.Context) ([]Descriptor, error) {
	var locals []Descriptor
	if c.Discovery != nil {
		devices, err := c.Discovery.ScanDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("ローカルデバイスの検出に失敗: %w", err)
		}

		for _, device := range devices {
			if c.MaxLocal > 0 && len(locals) >= c.MaxLocal {
				break
			}
			info, err := c.Discovery.GetDeviceInfo(ctx, device)
			if err != nil {
				continue
			}
			locals = append(locals, Descriptor{
				Name:        info.Name,
				Kind:        KindLocal,
				DeviceIndex: info.Index,
				DevicePath:  info.Device,
				Width:       c.Defaults.Width,
				Height:      c.Defaults.Height,
				FPS:         c.Defaults.FPS,
			})
		}
	}

	return BuildDescriptors(locals, c.Configured), nil
}

// BuildDescriptors は locals と configured を連結し、IDが空のものに1からの連番を振る
//
// 明示的に指定されたIDは優先され、連番はそれと重複しないように選ばれる。
// 同じIDが複数ある場合は先に現れたものを残す。
func BuildDescriptors(locals, configured []Descriptor) []Descriptor {
	all := make([]Descriptor, 0, len(locals)+len(configured))
	all = append(all, locals...)
	all = append(all, configured...)

	used := make(map[string]bool)
	for _, d := range all {
		if d.ID != "" {
			used[d.ID] = true
		}
	}

	next := 1
	seen := make(map[string]bool)
	result := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.ID == "" {
			for used[strconv.Itoa(next)] {
				next++
			}
			d.ID = strconv.Itoa(next)
			used[d.ID] = true
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true

		if d.Name == "" {
			d.Name = defaultName(d)
		}
		result = append(result, d)
	}
	return result
}

func defaultName(d Descriptor) string {
	if d.Kind == KindNetwork {
		return "Camera " + d.ID
	}
	return fmt.Sprintf("Webcam %d", d.DeviceIndex)
}

// StaticDescriptors は固定のディスクリプタを返す DescriptorSource
type StaticDescriptors []Descriptor

// Descriptors は s をそのまま返す
func (s StaticDescriptors) Descriptors(context.Context) ([]Descriptor, error) {
	return BuildDescriptors(nil, s), nil
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []string
	names   map[string]string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{names: make(map[string]string)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.names[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, ok := m.names[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	return &DeviceInfo{Device: device, Index: extractDeviceNumber(device), Name: name}, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.names[device] = fmt.Sprintf("テストカメラ %d", len(m.devices))
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.names, device)
}
