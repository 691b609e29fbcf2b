package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lisuiheng/pawire-go/audio"
	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrAlreadyRunning, "AlreadyRunningError"},
		{fmt.Errorf("%w: wrapped", audio.ErrDeviceEnumeration), "DeviceEnumerationError"},
		{fmt.Errorf("%w: output", audio.ErrNoDefaultDevice), "NoDefaultDeviceError"},
		{audio.ErrIncompatibleDevice, "IncompatibleDevicesError"},
		{fmt.Errorf("outer: %w", fmt.Errorf("%w: inner", audio.ErrStreamOpen)), "StreamOpenError"},
		{audio.ErrStreamStart, "StreamStartError"},
		{audio.ErrDeviceNotFound, "DeviceNotFoundError"},
		{audio.ErrBackendClosed, "BackendClosedError"},
		{fmt.Errorf("%w: link faulted", audio.ErrDeviceLost), "DeviceLostError"},
		{errors.New("boom"), "Error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestConfig_Durations(t *testing.T) {
	t.Parallel()

	var cfg Config
	assert.Zero(t, cfg.FrameDuration())
	assert.Equal(t, "1s", cfg.StatusInterval().String())

	cfg.Audio.FrameDuration = 5
	cfg.Status.Interval = "250ms"
	assert.Equal(t, "5ms", cfg.FrameDuration().String())
	assert.Equal(t, "250ms", cfg.StatusInterval().String())

	cfg.Status.Interval = "bogus"
	assert.Equal(t, "1s", cfg.StatusInterval().String())
}
