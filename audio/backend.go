package audio

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	BackendMalgo     = "malgo"
	BackendPortAudio = "portaudio"
	BackendVirtual   = "virtual"
)

// NewBackend 按名称初始化音频子系统，空名称使用 malgo。
// 返回的句柄是进程级资源：先初始化再枚举或启动链路，退出前调用 Close。
func NewBackend(name string, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(name) {
	case "", BackendMalgo:
		return NewMalgoBackend(logger)
	case BackendPortAudio:
		return NewPortAudioBackend(logger)
	case BackendVirtual:
		return NewClockedVirtualBackend(DefaultVirtualDevices()...), nil
	default:
		return nil, fmt.Errorf("unsupported audio backend: %q", name)
	}
}
