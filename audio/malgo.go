package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gen2brain/malgo"
)

// standardRates 设备未声明具体采样率时假定支持的采样率
var standardRates = []int{8000, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 192000}

// MalgoBackend 基于 miniaudio(malgo) 的音频子系统
type MalgoBackend struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	ids    map[string]malgo.DeviceID
	logger *slog.Logger
	closed bool
}

// NewMalgoBackend 初始化 malgo 上下文，使用完毕后必须调用 Close
func NewMalgoBackend(logger *slog.Logger) (*MalgoBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &MalgoBackend{
		ctx:    ctx,
		ids:    make(map[string]malgo.DeviceID),
		logger: logger,
	}, nil
}

func (b *MalgoBackend) Name() string { return "malgo" }

func (b *MalgoBackend) Devices() ([]DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	var devices []DeviceDescriptor
	for _, dir := range []Direction{DirectionInput, DirectionOutput} {
		kind := malgoKind(dir)
		infos, err := b.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get %s devices: %v", ErrDeviceEnumeration, dir, err)
		}

		for _, info := range infos {
			full, err := b.ctx.DeviceInfo(kind, info.ID, malgo.Shared)
			if err != nil {
				b.logger.Warn("Unable to get audio device info", "device", info.Name(), "error", err)
				full = info
			}

			dev := describeMalgoDevice(full, dir)
			b.ids[deviceKey(dir, dev.ID)] = full.ID
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func (b *MalgoBackend) DefaultDevice(dir Direction) (DeviceDescriptor, error) {
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

func (b *MalgoBackend) OpenStream(dev DeviceDescriptor, format StreamFormat, cb StreamCallbacks) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	id, ok := b.ids[deviceKey(dev.Direction, dev.ID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, dev.ID)
	}
	sampleFormat, ok := toMalgoFormat(format.Format)
	if !ok {
		return nil, fmt.Errorf("unsupported sample format: %s", format.Format)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgoKind(dev.Direction))
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(format.FramesPerBlock)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Stop: func() {
			if cb.Lost != nil {
				cb.Lost()
			}
		},
	}
	if dev.Direction == DirectionInput {
		deviceConfig.Capture.Format = sampleFormat
		deviceConfig.Capture.Channels = uint32(format.Channels)
		deviceConfig.Capture.DeviceID = id.Pointer()
		callbacks.Data = func(_, in []byte, _ uint32) {
			cb.Data(in)
		}
	} else {
		deviceConfig.Playback.Format = sampleFormat
		deviceConfig.Playback.Channels = uint32(format.Channels)
		deviceConfig.Playback.DeviceID = id.Pointer()
		callbacks.Data = func(out, _ []byte, _ uint32) {
			cb.Data(out)
		}
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio device: %w", err)
	}

	b.logger.Debug("Initialized malgo device",
		"device", dev.Name,
		"direction", dev.Direction.String(),
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"frame_size", format.FramesPerBlock)
	return &malgoStream{device: device}, nil
}

func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("failed to uninitialize audio context: %w", err)
	}
	return nil
}

type malgoStream struct {
	device *malgo.Device
}

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start audio device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio device: %w", err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.device.Uninit()
	return nil
}

func malgoKind(dir Direction) malgo.DeviceType {
	if dir == DirectionInput {
		return malgo.Capture
	}
	return malgo.Playback
}

func deviceKey(dir Direction, id string) string {
	return dir.String() + ":" + id
}

// describeMalgoDevice 把 miniaudio 的原生格式列表转换为设备描述。
// 采样率或声道为 0、格式为 unknown 表示设备接受任意值。
func describeMalgoDevice(info malgo.DeviceInfo, dir Direction) DeviceDescriptor {
	dev := DeviceDescriptor{
		ID:        info.ID.String(),
		Name:      info.Name(),
		HostAPI:   "malgo",
		Direction: dir,
		IsDefault: info.IsDefault == 1,
	}

	rates := make(map[int]bool)
	formats := make(map[SampleFormat]bool)
	anyRate, anyFormat := false, false
	minCh, maxCh := 0, 0

	for i := 0; i < int(info.FormatCount) && i < len(info.Formats); i++ {
		f := info.Formats[i]

		if f.SampleRate == 0 {
			anyRate = true
		} else {
			rates[int(f.SampleRate)] = true
			if dev.NativeRate == 0 {
				dev.NativeRate = int(f.SampleRate)
			}
		}

		if sf := fromMalgoFormat(f.Format); sf == FormatUnknown {
			anyFormat = true
		} else {
			formats[sf] = true
			if dev.NativeFormat == FormatUnknown {
				dev.NativeFormat = sf
			}
		}

		lo, hi := int(f.Channels), int(f.Channels)
		if f.Channels == 0 {
			lo, hi = 1, 2
		}
		if minCh == 0 || lo < minCh {
			minCh = lo
		}
		if hi > maxCh {
			maxCh = hi
		}
	}

	if anyRate || len(rates) == 0 {
		for _, r := range standardRates {
			rates[r] = true
		}
	}
	if anyFormat || len(formats) == 0 {
		for _, sf := range []SampleFormat{FormatU8, FormatS16, FormatS24, FormatS32, FormatF32} {
			formats[sf] = true
		}
	}
	if maxCh == 0 {
		minCh, maxCh = 1, 2
	}

	for r := range rates {
		dev.SampleRates = append(dev.SampleRates, r)
	}
	sort.Ints(dev.SampleRates)
	for _, sf := range []SampleFormat{FormatS16, FormatF32, FormatS32, FormatS24, FormatU8} {
		if formats[sf] {
			dev.Formats = append(dev.Formats, sf)
		}
	}
	dev.Channels = ChannelRange{Min: minCh, Max: maxCh}

	if dev.NativeRate == 0 {
		dev.NativeRate = 48000
	}
	if dev.NativeFormat == FormatUnknown {
		dev.NativeFormat = FormatS16
	}
	return dev
}

func fromMalgoFormat(f malgo.FormatType) SampleFormat {
	switch f {
	case malgo.FormatU8:
		return FormatU8
	case malgo.FormatS16:
		return FormatS16
	case malgo.FormatS24:
		return FormatS24
	case malgo.FormatS32:
		return FormatS32
	case malgo.FormatF32:
		return FormatF32
	default:
		return FormatUnknown
	}
}

func toMalgoFormat(f SampleFormat) (malgo.FormatType, bool) {
	switch f {
	case FormatU8:
		return malgo.FormatU8, true
	case FormatS16:
		return malgo.FormatS16, true
	case FormatS24:
		return malgo.FormatS24, true
	case FormatS32:
		return malgo.FormatS32, true
	case FormatF32:
		return malgo.FormatF32, true
	default:
		return malgo.FormatUnknown, false
	}
}
