package audio

import (
	"fmt"
	"time"
)

// Direction 设备方向
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// SampleFormat 采样格式
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatU8
	FormatS16
	FormatS24
	FormatS32
	FormatF32
)

// BytesPerSample 返回单个采样占用的字节数
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16:
		return 2
	case FormatS24:
		return 3
	case FormatS32, FormatF32:
		return 4
	default:
		return 0
	}
}

// silenceByte 返回静音对应的字节值，无符号8位以0x80为零点
func (f SampleFormat) silenceByte() byte {
	if f == FormatU8 {
		return 0x80
	}
	return 0
}

// MarshalText 以名称形式序列化
func (f SampleFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText 按名称解析，未知名称返回错误
func (f *SampleFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseSampleFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseSampleFormat 解析 u8/s16/s24/s32/f32，"unknown" 解析为 FormatUnknown
func ParseSampleFormat(name string) (SampleFormat, error) {
	for f := FormatUnknown; f <= FormatF32; f++ {
		if f.String() == name {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown sample format: %q", name)
}

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16:
		return "s16"
	case FormatS24:
		return "s24"
	case FormatS32:
		return "s32"
	case FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// ChannelRange 声道数范围（闭区间）
type ChannelRange struct {
	Min int
	Max int
}

// Contains 判断声道数是否在范围内
func (r ChannelRange) Contains(n int) bool {
	return n >= r.Min && n <= r.Max && n > 0
}

// DeviceDescriptor 枚举时刻的设备快照，设备拓扑变化后需要重新枚举
type DeviceDescriptor struct {
	ID        string
	Name      string
	HostAPI   string
	Direction Direction
	IsDefault bool

	SampleRates []int
	Channels    ChannelRange
	Formats     []SampleFormat

	// 设备原生采样率与格式，用于格式协商的优先级
	NativeRate   int
	NativeFormat SampleFormat

	Latency time.Duration
}

// SupportsRate 判断是否支持指定采样率
func (d DeviceDescriptor) SupportsRate(rate int) bool {
	for _, r := range d.SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// SupportsFormat 判断是否支持指定采样格式
func (d DeviceDescriptor) SupportsFormat(f SampleFormat) bool {
	for _, sf := range d.Formats {
		if sf == f {
			return true
		}
	}
	return false
}

// Supports 判断设备是否能以给定流格式打开
func (d DeviceDescriptor) Supports(sf StreamFormat) bool {
	return d.SupportsRate(sf.SampleRate) &&
		d.Channels.Contains(sf.Channels) &&
		d.SupportsFormat(sf.Format)
}

// StreamFormat 采集端与播放端协商一致的流格式
type StreamFormat struct {
	SampleRate     int          `json:"sample_rate"`
	Channels       int          `json:"channels"`
	Format         SampleFormat `json:"format"`
	FramesPerBlock int          `json:"frames_per_block"`
}

// BlockBytes 一个音频块的字节数
func (f StreamFormat) BlockBytes() int {
	return f.FramesPerBlock * f.Channels * f.Format.BytesPerSample()
}

// BlockDuration 一个音频块的时长
func (f StreamFormat) BlockDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FramesPerBlock) * time.Second / time.Duration(f.SampleRate)
}

// Validate 检查流格式字段是否有效
func (f StreamFormat) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	case f.Format.BytesPerSample() == 0:
		return fmt.Errorf("invalid sample format: %s", f.Format)
	case f.FramesPerBlock <= 0:
		return fmt.Errorf("invalid frames per block: %d", f.FramesPerBlock)
	}
	return nil
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%s/%d", f.SampleRate, f.Channels, f.Format, f.FramesPerBlock)
}

// FrameBlock 交错排列的定长音频块，入队后不再修改
type FrameBlock struct {
	Seq     uint64
	Samples []byte
}
