package audio

import "errors"

var (
	ErrDeviceEnumeration  = errors.New("device enumeration failed")
	ErrNoDefaultDevice    = errors.New("no default device")
	ErrIncompatibleDevice = errors.New("incompatible devices")
	ErrStreamOpen         = errors.New("stream open failed")
	ErrStreamStart        = errors.New("stream start failed")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrBackendClosed      = errors.New("audio backend closed")
	ErrDeviceLost         = errors.New("device lost")
)
