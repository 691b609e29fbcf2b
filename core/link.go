package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lisuiheng/pawire-go/audio"
)

// LinkState 表示音频链路状态
type LinkState string

const (
	StateIdle     LinkState = "idle"
	StateStarting LinkState = "starting"
	StateRunning  LinkState = "running"
	StateStopping LinkState = "stopping"
	// StateFaulted 运行中有设备意外停止，需要 Stop 后重新 Start
	StateFaulted LinkState = "faulted"
)

const (
	minDerivedDepth = 3
	maxDerivedDepth = 8
)

// Status 链路状态快照
type Status struct {
	State         LinkState           `json:"state"`
	OverrunCount  uint64              `json:"overrun_count"`
	UnderrunCount uint64              `json:"underrun_count"`
	Format        audio.StreamFormat  `json:"format"`
	BufferDepth   int                 `json:"buffer_depth"`
	Buffered      int                 `json:"buffered"`
	InputDevice   string              `json:"input_device,omitempty"`
	OutputDevice  string              `json:"output_device,omitempty"`
	Capture       audio.EndpointStats `json:"capture"`
	Playback      audio.EndpointStats `json:"playback"`
}

// StartOptions 启动参数，零值表示使用配置或子系统默认值
type StartOptions struct {
	InputDevice  string
	OutputDevice string
	BufferDepth  int
}

// session 一次 Start 到 Stop 之间持有的全部资源
type session struct {
	input    audio.DeviceDescriptor
	output   audio.DeviceDescriptor
	format   audio.StreamFormat
	ring     *audio.FrameRingBuffer
	capture  *audio.CaptureEndpoint
	playback *audio.PlaybackEndpoint
}

// Link 麦克风到扬声器的实时音频链路。
// Start/Stop 由生命周期锁串行化；Status 不加锁，可在任意线程调用。
type Link struct {
	backend audio.Backend
	catalog *audio.Catalog
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	state   atomic.Value // LinkState
	session atomic.Pointer[session]
	last    atomic.Pointer[Status]
}

// NewLink 在已初始化的音频子系统上创建链路，链路可在 Stop 后重复 Start
func NewLink(backend audio.Backend, cfg Config, log *slog.Logger) (*Link, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if backend == nil {
		return nil, ErrNilBackend
	}

	l := &Link{
		backend: backend,
		catalog: audio.NewCatalog(backend, cfg.FrameDuration(), cfg.Audio.FramesPerBlock, log),
		config:  cfg,
		logger:  log,
	}
	l.state.Store(StateIdle)
	return l, nil
}

// Devices 枚举全部设备
func (l *Link) Devices() ([]audio.DeviceDescriptor, error) {
	return l.catalog.Enumerate()
}

// Start 解析设备与格式，分配环形缓冲，先启动播放端再启动采集端。
// 任意一步失败都会回滚已打开的端点并回到 Idle。
func (l *Link) Start(opts StartOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current := l.getState(); current != StateIdle {
		l.logger.Warn("Cannot start audio link from current state", "currentState", current)
		return fmt.Errorf("%w (current: %s)", ErrAlreadyRunning, current)
	}

	l.setState(StateStarting)
	s, err := l.startSession(opts)
	if err != nil {
		l.setState(StateIdle)
		l.logger.Error("Failed to start audio link", "error", err, "kind", ErrorKind(err))
		return err
	}

	l.session.Store(s)
	l.last.Store(nil)
	l.setState(StateRunning)
	l.logger.Info("Audio link started",
		"input", s.input.Name,
		"output", s.output.Name,
		"format", s.format.String(),
		"buffer_depth", s.ring.Cap(),
		"latency", s.format.BlockDuration()*time.Duration(s.ring.Cap()))
	return nil
}

func (l *Link) startSession(opts StartOptions) (*session, error) {
	input, err := l.resolveDevice(firstNonEmpty(opts.InputDevice, l.config.Audio.InputDevice), audio.DirectionInput)
	if err != nil {
		return nil, err
	}
	output, err := l.resolveDevice(firstNonEmpty(opts.OutputDevice, l.config.Audio.OutputDevice), audio.DirectionOutput)
	if err != nil {
		return nil, err
	}

	format, err := l.catalog.ResolveFormat(input, output)
	if err != nil {
		return nil, err
	}

	depth := l.bufferDepth(opts.BufferDepth, input, output, format)
	ring, err := audio.NewFrameRingBuffer(depth, format.BlockBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrStreamOpen, err)
	}

	s := &session{
		input:    input,
		output:   output,
		format:   format,
		ring:     ring,
		capture:  audio.NewCaptureEndpoint(l.backend, l.logger),
		playback: audio.NewPlaybackEndpoint(l.backend, l.logger),
	}

	if err := s.capture.Open(input, format, ring); err != nil {
		return nil, err
	}
	if err := s.playback.Open(output, format, ring); err != nil {
		l.release(s)
		return nil, err
	}

	// 先启动播放端：播放端起初只会欠载输出静音，避免采集端对空缓冲的突发写入
	if err := s.playback.Start(); err != nil {
		l.release(s)
		return nil, err
	}
	if err := s.capture.Start(); err != nil {
		l.release(s)
		return nil, err
	}
	return s, nil
}

func (l *Link) resolveDevice(id string, dir audio.Direction) (audio.DeviceDescriptor, error) {
	if id != "" {
		return l.catalog.Find(id, dir)
	}
	if dir == audio.DirectionInput {
		return l.catalog.DefaultInput()
	}
	return l.catalog.DefaultOutput()
}

// bufferDepth 未指定时按两端设备延迟之和折算为块数，限制在 [3, 8]
func (l *Link) bufferDepth(requested int, input, output audio.DeviceDescriptor, format audio.StreamFormat) int {
	if requested > 0 {
		return requested
	}
	if l.config.Audio.BufferDepth > 0 {
		return l.config.Audio.BufferDepth
	}

	block := format.BlockDuration()
	if block <= 0 {
		return minDerivedDepth
	}
	depth := int(math.Ceil(float64(input.Latency+output.Latency) / float64(block)))
	return min(max(depth, minDerivedDepth), maxDerivedDepth)
}

// release 先停采集再停播放，然后关闭两端设备流；任何错误都不会中断释放
func (l *Link) release(s *session) error {
	errs := []error{
		s.capture.Stop(),
		s.playback.Stop(),
		s.capture.Close(),
		s.playback.Close(),
	}
	err := errors.Join(errs...)
	if err != nil {
		l.logger.Warn("Error while releasing audio streams", "error", err)
	}
	return err
}

// Stop 停止链路并释放全部设备资源，返回后不再有回调执行。Idle 状态下调用为空操作。
func (l *Link) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.session.Load()
	if s == nil || l.getState() == StateIdle {
		return nil
	}

	l.setState(StateStopping)
	err := l.release(s)

	final := snapshot(s)
	final.State = StateIdle
	l.last.Store(&final)
	l.session.Store(nil)
	l.setState(StateIdle)

	l.logger.Info("Audio link stopped",
		"overruns", final.OverrunCount,
		"underruns", final.UnderrunCount,
		"capture_callbacks", final.Capture.Callbacks,
		"playback_callbacks", final.Playback.Callbacks,
		"capture_xruns", final.Capture.HostXruns,
		"playback_xruns", final.Playback.HostXruns,
		"faults", final.Capture.Faults+final.Playback.Faults)
	return err
}

// Status 非阻塞的状态查询，Stop 之后保留上一次会话的计数
func (l *Link) Status() Status {
	state := l.getState()

	s := l.session.Load()
	if s == nil {
		if last := l.last.Load(); last != nil {
			st := *last
			st.State = state
			return st
		}
		return Status{State: state}
	}

	st := snapshot(s)
	st.State = state
	if state == StateRunning && (s.capture.Lost() || s.playback.Lost()) {
		st.State = StateFaulted
	}
	return st
}

// State 当前状态，等价于 Status().State
func (l *Link) State() LinkState {
	return l.Status().State
}

func snapshot(s *session) Status {
	return Status{
		OverrunCount:  s.capture.Overruns(),
		UnderrunCount: s.playback.Underruns(),
		Format:        s.format,
		BufferDepth:   s.ring.Cap(),
		Buffered:      s.ring.Len(),
		InputDevice:   s.input.Name,
		OutputDevice:  s.output.Name,
		Capture:       s.capture.Stats(),
		Playback:      s.playback.Stats(),
	}
}

func (l *Link) getState() LinkState {
	return l.state.Load().(LinkState)
}

func (l *Link) setState(newState LinkState) {
	old := l.state.Swap(newState)
	if old != newState {
		l.logger.Debug("State changed", "from", old, "to", newState)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
