package core

import (
	"errors"

	"github.com/lisuiheng/pawire-go/audio"
)

var (
	ErrAlreadyRunning = errors.New("audio link already running")
	ErrNilBackend     = errors.New("audio backend cannot be nil")
)

// errorKinds 错误类别名，CLI 据此输出到标准错误
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrAlreadyRunning, "AlreadyRunningError"},
	{audio.ErrDeviceEnumeration, "DeviceEnumerationError"},
	{audio.ErrNoDefaultDevice, "NoDefaultDeviceError"},
	{audio.ErrIncompatibleDevice, "IncompatibleDevicesError"},
	{audio.ErrStreamOpen, "StreamOpenError"},
	{audio.ErrStreamStart, "StreamStartError"},
	{audio.ErrDeviceNotFound, "DeviceNotFoundError"},
	{audio.ErrBackendClosed, "BackendClosedError"},
	{audio.ErrDeviceLost, "DeviceLostError"},
}

// ErrorKind 返回错误对应的类别名，未知错误返回 "Error"
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Error"
}
