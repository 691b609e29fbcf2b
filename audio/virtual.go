package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// VirtualBackend 纯内存的音频子系统，回调由调用方手动触发或由内部时钟驱动。
// 用于测试以及没有声卡时的空跑。
type VirtualBackend struct {
	mu       sync.Mutex
	devices  []DeviceDescriptor
	streams  []*VirtualStream
	enumErr  error
	openErr  map[string]error
	startErr map[string]error
	started  []string
	active   map[*VirtualStream]bool
	clocked  bool
	closed   bool
}

// NewVirtualBackend 用给定设备创建虚拟子系统，IsDefault 的设备作为对应方向的默认设备
func NewVirtualBackend(devices ...DeviceDescriptor) *VirtualBackend {
	return &VirtualBackend{
		devices:  append([]DeviceDescriptor(nil), devices...),
		openErr:  make(map[string]error),
		startErr: make(map[string]error),
		active:   make(map[*VirtualStream]bool),
	}
}

// NewClockedVirtualBackend 创建由内部时钟按块时长驱动回调的虚拟子系统
func NewClockedVirtualBackend(devices ...DeviceDescriptor) *VirtualBackend {
	v := NewVirtualBackend(devices...)
	v.clocked = true
	return v
}

// DefaultVirtualDevices 一对 48kHz 立体声的默认虚拟设备
func DefaultVirtualDevices() []DeviceDescriptor {
	return []DeviceDescriptor{
		{
			ID:           "virtual-in",
			Name:         "Virtual Microphone",
			HostAPI:      "virtual",
			Direction:    DirectionInput,
			IsDefault:    true,
			SampleRates:  []int{44100, 48000},
			Channels:     ChannelRange{Min: 1, Max: 2},
			Formats:      []SampleFormat{FormatS16, FormatF32},
			NativeRate:   48000,
			NativeFormat: FormatS16,
			Latency:      10 * time.Millisecond,
		},
		{
			ID:           "virtual-out",
			Name:         "Virtual Speaker",
			HostAPI:      "virtual",
			Direction:    DirectionOutput,
			IsDefault:    true,
			SampleRates:  []int{44100, 48000},
			Channels:     ChannelRange{Min: 1, Max: 2},
			Formats:      []SampleFormat{FormatS16, FormatF32},
			NativeRate:   48000,
			NativeFormat: FormatS16,
			Latency:      10 * time.Millisecond,
		},
	}
}

func (v *VirtualBackend) Name() string { return "virtual" }

// SetEnumerateError 模拟子系统不可用
func (v *VirtualBackend) SetEnumerateError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enumErr = err
}

// FailOpen 令指定设备的 OpenStream 失败
func (v *VirtualBackend) FailOpen(id string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openErr[id] = err
}

// FailStart 令指定设备的 Start 失败
func (v *VirtualBackend) FailStart(id string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startErr[id] = err
}

func (v *VirtualBackend) Devices() ([]DeviceDescriptor, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrBackendClosed
	}
	if v.enumErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, v.enumErr)
	}
	return append([]DeviceDescriptor{}, v.devices...), nil
}

func (v *VirtualBackend) DefaultDevice(dir Direction) (DeviceDescriptor, error) {
	devices, err := v.Devices()
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, dev := range devices {
		if dev.Direction == dir && dev.IsDefault {
			return dev, nil
		}
	}
	return DeviceDescriptor{}, fmt.Errorf("%w: %s", ErrNoDefaultDevice, dir)
}

func (v *VirtualBackend) OpenStream(dev DeviceDescriptor, format StreamFormat, cb StreamCallbacks) (Stream, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrBackendClosed
	}
	if err := v.openErr[dev.ID]; err != nil {
		return nil, err
	}

	found := false
	for _, d := range v.devices {
		if d.ID == dev.ID && d.Direction == dev.Direction {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, dev.ID)
	}

	s := &VirtualStream{
		backend: v,
		device:  dev,
		format:  format,
		cb:      cb,
	}
	v.streams = append(v.streams, s)
	return s, nil
}

func (v *VirtualBackend) Close() error {
	v.mu.Lock()
	streams := append([]*VirtualStream(nil), v.streams...)
	v.closed = true
	v.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Fire 在指定设备的已启动流上触发一次回调，流未启动时返回 false
func (v *VirtualBackend) Fire(id string, buf []byte) bool {
	s := v.Stream(id)
	if s == nil {
		return false
	}
	return s.Fire(buf)
}

// Xrun 模拟子系统报告的溢出/欠载标志
func (v *VirtualBackend) Xrun(id string) {
	if s := v.Stream(id); s != nil {
		s.Xrun()
	}
}

// Disconnect 模拟设备被拔出：回调停止并通知端点
func (v *VirtualBackend) Disconnect(id string) {
	if s := v.Stream(id); s != nil {
		s.disconnect()
	}
}

// Stream 返回指定设备最近打开且未关闭的流
func (v *VirtualBackend) Stream(id string) *VirtualStream {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.streams) - 1; i >= 0; i-- {
		if v.streams[i].device.ID == id {
			return v.streams[i]
		}
	}
	return nil
}

// OpenStreams 当前未关闭的流数量
func (v *VirtualBackend) OpenStreams() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.streams)
}

// StartOrder 按启动顺序记录的设备ID
func (v *VirtualBackend) StartOrder() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.started...)
}

func (v *VirtualBackend) markStarted(s *VirtualStream) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.startErr[s.device.ID]; err != nil {
		return err
	}
	for other := range v.active {
		if other != s && other.device.ID == s.device.ID {
			return fmt.Errorf("device %q busy", s.device.ID)
		}
	}
	v.active[s] = true
	v.started = append(v.started, s.device.ID)
	return nil
}

func (v *VirtualBackend) markStopped(s *VirtualStream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.active, s)
}

func (v *VirtualBackend) remove(s *VirtualStream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, other := range v.streams {
		if other == s {
			v.streams = append(v.streams[:i], v.streams[i+1:]...)
			return
		}
	}
}

// VirtualStream 虚拟设备流
type VirtualStream struct {
	mu      sync.Mutex
	backend *VirtualBackend
	device  DeviceDescriptor
	format  StreamFormat
	cb      StreamCallbacks

	started   bool
	closed    bool
	stopClock chan struct{}
	clockDone chan struct{}
}

func (s *VirtualStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *VirtualStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	if s.started {
		return nil
	}
	if err := s.backend.markStarted(s); err != nil {
		return err
	}
	s.started = true

	if s.backend.clocked {
		s.stopClock = make(chan struct{})
		s.clockDone = make(chan struct{})
		go s.runClock(s.stopClock, s.clockDone)
	}
	return nil
}

func (s *VirtualStream) runClock(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	period := s.format.BlockDuration()
	if period <= 0 {
		period = DefaultFrameDuration
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buf := make([]byte, s.format.BlockBytes())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Fire(buf)
		}
	}
}

func (s *VirtualStream) Stop() error {
	s.mu.Lock()
	stop, done := s.stopClock, s.clockDone
	s.stopClock, s.clockDone = nil, nil
	s.started = false
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.backend.markStopped(s)
	return nil
}

func (s *VirtualStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.backend.remove(s)
	return nil
}

// Fire 触发一次数据回调
func (s *VirtualStream) Fire(buf []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.cb.Data == nil {
		return false
	}
	s.cb.Data(buf)
	return true
}

// Xrun 触发一次子系统溢出/欠载通知
func (s *VirtualStream) Xrun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.cb.Xrun != nil {
		s.cb.Xrun()
	}
}

// Started 流是否处于启动状态
func (s *VirtualStream) Started() bool {
	return s.isStarted()
}

// Format 打开流时使用的格式
func (s *VirtualStream) Format() StreamFormat {
	return s.format
}

func (s *VirtualStream) disconnect() {
	s.mu.Lock()
	stop, done := s.stopClock, s.clockDone
	s.stopClock, s.clockDone = nil, nil
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.backend.markStopped(s)
	if wasStarted && s.cb.Lost != nil {
		s.cb.Lost()
	}
}
