package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
)

// DefaultFrameDuration 默认每个音频块的时长
const DefaultFrameDuration = 10 * time.Millisecond

// Catalog 设备目录：枚举设备、查找默认设备、协商流格式
type Catalog struct {
	backend        Backend
	frameDuration  time.Duration
	framesPerBlock int
	logger         *slog.Logger
}

// NewCatalog 创建设备目录。framesPerBlock > 0 时块大小固定为该帧数，
// 否则按 frameDuration 折算，frameDuration <= 0 时使用 DefaultFrameDuration
func NewCatalog(backend Backend, frameDuration time.Duration, framesPerBlock int, logger *slog.Logger) *Catalog {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{
		backend:        backend,
		frameDuration:  frameDuration,
		framesPerBlock: framesPerBlock,
		logger:         logger,
	}
}

// Enumerate 返回全部设备，输入设备在前；子系统不可用时返回 ErrDeviceEnumeration
func (c *Catalog) Enumerate() ([]DeviceDescriptor, error) {
	devices, err := c.backend.Devices()
	if err != nil {
		if errors.Is(err, ErrDeviceEnumeration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}
	if devices == nil {
		devices = []DeviceDescriptor{}
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Direction < devices[j].Direction
	})

	c.logger.Debug("Enumerated audio devices",
		"backend", c.backend.Name(),
		"count", len(devices))
	return devices, nil
}

// DefaultInput 默认输入设备
func (c *Catalog) DefaultInput() (DeviceDescriptor, error) {
	return c.defaultDevice(DirectionInput)
}

// DefaultOutput 默认输出设备
func (c *Catalog) DefaultOutput() (DeviceDescriptor, error) {
	return c.defaultDevice(DirectionOutput)
}

func (c *Catalog) defaultDevice(dir Direction) (DeviceDescriptor, error) {
	dev, err := c.backend.DefaultDevice(dir)
	if err != nil {
		if errors.Is(err, ErrNoDefaultDevice) {
			return DeviceDescriptor{}, err
		}
		return DeviceDescriptor{}, fmt.Errorf("%w: %s: %w", ErrNoDefaultDevice, dir, err)
	}
	return dev, nil
}

// Find 按ID查找指定方向的设备，ID 也可以是设备名
func (c *Catalog) Find(id string, dir Direction) (DeviceDescriptor, error) {
	devices, err := c.Enumerate()
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, dev := range devices {
		if dev.Direction == dir && dev.ID == id {
			return dev, nil
		}
	}
	for _, dev := range devices {
		if dev.Direction == dir && dev.Name == id {
			return dev, nil
		}
	}
	return DeviceDescriptor{}, fmt.Errorf("%w: %s device %q", ErrDeviceNotFound, dir, id)
}

// ResolveFormat 协商采集端与播放端共同支持的流格式。
// 采样率优先使用输入设备原生采样率，否则取双方共同支持的最高采样率；
// 声道数优先立体声，其次单声道；采样格式优先输出设备的原生格式。
func (c *Catalog) ResolveFormat(input, output DeviceDescriptor) (StreamFormat, error) {
	if input.Direction != DirectionInput || output.Direction != DirectionOutput {
		return StreamFormat{}, fmt.Errorf("%w: expected input/output pair, got %s/%s",
			ErrIncompatibleDevice, input.Direction, output.Direction)
	}

	rate, ok := resolveRate(input, output)
	if !ok {
		return StreamFormat{}, fmt.Errorf("%w: no common sample rate between %q and %q",
			ErrIncompatibleDevice, input.Name, output.Name)
	}

	channels, ok := resolveChannels(input.Channels, output.Channels)
	if !ok {
		return StreamFormat{}, fmt.Errorf("%w: no common channel count between %q and %q",
			ErrIncompatibleDevice, input.Name, output.Name)
	}

	format, ok := resolveSampleFormat(input, output)
	if !ok {
		return StreamFormat{}, fmt.Errorf("%w: no common sample format between %q and %q",
			ErrIncompatibleDevice, input.Name, output.Name)
	}

	frames := c.framesPerBlock
	if frames <= 0 {
		frames = max(int(int64(rate)*int64(c.frameDuration)/int64(time.Second)), 1)
	}

	sf := StreamFormat{
		SampleRate:     rate,
		Channels:       channels,
		Format:         format,
		FramesPerBlock: frames,
	}
	c.logger.Info("Resolved stream format",
		"input", input.Name,
		"output", output.Name,
		"format", sf.String())
	return sf, nil
}

func resolveRate(input, output DeviceDescriptor) (int, bool) {
	if input.NativeRate > 0 && input.SupportsRate(input.NativeRate) && output.SupportsRate(input.NativeRate) {
		return input.NativeRate, true
	}

	best := 0
	for _, r := range input.SampleRates {
		if r > best && output.SupportsRate(r) {
			best = r
		}
	}
	return best, best > 0
}

func resolveChannels(in, out ChannelRange) (int, bool) {
	for _, n := range []int{2, 1} {
		if in.Contains(n) && out.Contains(n) {
			return n, true
		}
	}

	hi := min(in.Max, out.Max)
	if hi > 0 && in.Contains(hi) && out.Contains(hi) {
		return hi, true
	}
	return 0, false
}

func resolveSampleFormat(input, output DeviceDescriptor) (SampleFormat, bool) {
	candidates := make([]SampleFormat, 0, len(output.Formats)+1)
	if output.NativeFormat != FormatUnknown {
		candidates = append(candidates, output.NativeFormat)
	}
	candidates = append(candidates, output.Formats...)

	for _, f := range candidates {
		if output.SupportsFormat(f) && input.SupportsFormat(f) {
			return f, true
		}
	}
	return FormatUnknown, false
}
