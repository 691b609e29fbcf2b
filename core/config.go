package core

import "time"

// Config 是应用配置结构（与 YAML 文件结构对应）
type Config struct {
	Audio struct {
		Backend        string `mapstructure:"backend"`
		InputDevice    string `mapstructure:"input_device"`
		OutputDevice   string `mapstructure:"output_device"`
		BufferDepth    int    `mapstructure:"buffer_depth"`
		FrameDuration  int    `mapstructure:"frame_duration"`   // 毫秒
		FramesPerBlock int    `mapstructure:"frames_per_block"` // 非 0 时优先于 frame_duration
	} `mapstructure:"audio"`

	Status struct {
		ListenAddr string `mapstructure:"listen_addr"`
		Interval   string `mapstructure:"interval"`
	} `mapstructure:"status"`

	Start struct {
		Retries int `mapstructure:"retries"`
	} `mapstructure:"start"`

	Logging struct {
		Level   string   `mapstructure:"level"`
		Format  string   `mapstructure:"format"` // text/json
		Outputs []string `mapstructure:"outputs"`
	} `mapstructure:"logging"`
}

// FrameDuration 每个音频块的时长，未配置时为 0（由设备目录取默认值）
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameDuration) * time.Millisecond
}

// StatusInterval 状态推送间隔，未配置或无法解析时为 1 秒
func (c Config) StatusInterval() time.Duration {
	if d, err := time.ParseDuration(c.Status.Interval); err == nil && d > 0 {
		return d
	}
	return time.Second
}
