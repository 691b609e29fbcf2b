package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend 基于 PortAudio 的音频子系统
type PortAudioBackend struct {
	mu      sync.Mutex
	devices map[string]*portaudio.DeviceInfo
	logger  *slog.Logger
	closed  bool
}

// NewPortAudioBackend 初始化 PortAudio，使用完毕后必须调用 Close
func NewPortAudioBackend(logger *slog.Logger) (*PortAudioBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioBackend{
		devices: make(map[string]*portaudio.DeviceInfo),
		logger:  logger,
	}, nil
}

func (b *PortAudioBackend) Name() string { return "portaudio" }

func (b *PortAudioBackend) Devices() ([]DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	var devices []DeviceDescriptor
	for i, info := range infos {
		id := strconv.Itoa(i)
		if info.MaxInputChannels > 0 {
			dev := describePortAudioDevice(id, info, DirectionInput, sameDevice(info, defIn))
			b.devices[deviceKey(DirectionInput, id)] = info
			devices = append(devices, dev)
		}
		if info.MaxOutputChannels > 0 {
			dev := describePortAudioDevice(id, info, DirectionOutput, sameDevice(info, defOut))
			b.devices[deviceKey(DirectionOutput, id)] = info
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func (b *PortAudioBackend) DefaultDevice(dir Direction) (DeviceDescriptor, error) {
	devices, err := b.Devices()
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

func (b *PortAudioBackend) OpenStream(dev DeviceDescriptor, format StreamFormat, cb StreamCallbacks) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	info, ok := b.devices[deviceKey(dev.Direction, dev.ID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, dev.ID)
	}

	params := streamParameters(info, dev.Direction, format.Channels, float64(format.SampleRate))
	params.FramesPerBuffer = format.FramesPerBlock
	params.Flags = portaudio.ClipOff

	callback, err := portAudioCallback(format.Format, dev.Direction, cb)
	if err != nil {
		return nil, err
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	b.logger.Debug("Opened PortAudio stream",
		"device", dev.Name,
		"direction", dev.Direction.String(),
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"frame_size", format.FramesPerBlock)
	return &portAudioStream{stream: stream}, nil
}

func (b *PortAudioBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

type portAudioStream struct {
	stream *portaudio.Stream
}

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close audio stream: %w", err)
	}
	return nil
}

func sameDevice(a, b *portaudio.DeviceInfo) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	return a.Name == b.Name && hostAPIName(a) == hostAPIName(b)
}

func hostAPIName(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return ""
	}
	return info.HostApi.Name
}

func streamParameters(info *portaudio.DeviceInfo, dir Direction, channels int, rate float64) portaudio.StreamParameters {
	p := portaudio.StreamParameters{SampleRate: rate}
	if dir == DirectionInput {
		p.Input = portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowInputLatency,
		}
	} else {
		p.Output = portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowOutputLatency,
		}
	}
	return p
}

// describePortAudioDevice 用 IsFormatSupported 探测设备支持的采样率和采样格式
func describePortAudioDevice(id string, info *portaudio.DeviceInfo, dir Direction, isDefault bool) DeviceDescriptor {
	maxCh := info.MaxInputChannels
	latency := info.DefaultLowInputLatency
	if dir == DirectionOutput {
		maxCh = info.MaxOutputChannels
		latency = info.DefaultLowOutputLatency
	}

	dev := DeviceDescriptor{
		ID:         id,
		Name:       info.Name,
		HostAPI:    hostAPIName(info),
		Direction:  dir,
		IsDefault:  isDefault,
		Channels:   ChannelRange{Min: 1, Max: maxCh},
		NativeRate: int(info.DefaultSampleRate),
		Latency:    latency,
	}

	probe := StreamCallbacks{Data: func([]byte) {}}
	for _, rate := range standardRates {
		cb, _ := portAudioCallback(FormatF32, dir, probe)
		if portaudio.IsFormatSupported(streamParameters(info, dir, 1, float64(rate)), cb) == nil {
			dev.SampleRates = append(dev.SampleRates, rate)
		}
	}
	if len(dev.SampleRates) == 0 && dev.NativeRate > 0 {
		dev.SampleRates = []int{dev.NativeRate}
	}

	for _, sf := range []SampleFormat{FormatF32, FormatS16, FormatS32, FormatU8} {
		cb, _ := portAudioCallback(sf, dir, probe)
		if portaudio.IsFormatSupported(streamParameters(info, dir, 1, info.DefaultSampleRate), cb) == nil {
			dev.Formats = append(dev.Formats, sf)
		}
	}
	if len(dev.Formats) > 0 {
		dev.NativeFormat = dev.Formats[0]
	}
	return dev
}

type paSample interface {
	int16 | int32 | float32 | uint8
}

// sampleBytes 把采样切片按原内存重新解释为字节切片，不复制
func sampleBytes[T paSample](s []T) []byte {
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

func portAudioCallback(f SampleFormat, dir Direction, cb StreamCallbacks) (any, error) {
	switch f {
	case FormatS16:
		return newPortAudioCallback[int16](dir, cb), nil
	case FormatS32:
		return newPortAudioCallback[int32](dir, cb), nil
	case FormatF32:
		return newPortAudioCallback[float32](dir, cb), nil
	case FormatU8:
		return newPortAudioCallback[uint8](dir, cb), nil
	default:
		return nil, fmt.Errorf("unsupported sample format: %s", f)
	}
}

// newPortAudioCallback 交错缓冲的单向回调，同时统计 PortAudio 报告的溢出/欠载标志
func newPortAudioCallback[T paSample](dir Direction, cb StreamCallbacks) func([]T, portaudio.StreamCallbackTimeInfo, portaudio.StreamCallbackFlags) {
	mask := portaudio.InputUnderflow | portaudio.InputOverflow
	if dir == DirectionOutput {
		mask = portaudio.OutputUnderflow | portaudio.OutputOverflow
	}
	return func(buf []T, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&mask != 0 && cb.Xrun != nil {
			cb.Xrun()
		}
		cb.Data(sampleBytes(buf))
	}
}
