package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// EndpointStats 单个端点的回调统计
type EndpointStats struct {
	Callbacks uint64 `json:"callbacks"`
	HostXruns uint64 `json:"host_xruns"`
	Faults    uint64 `json:"faults"`
}

// endpoint 采集端与播放端共用的流生命周期。
// 生命周期方法由调用方线程串行调用；计数器由回调线程更新，任意线程可读。
type endpoint struct {
	backend   Backend
	direction Direction
	logger    *slog.Logger

	device DeviceDescriptor
	ring   *FrameRingBuffer
	stream Stream

	running  atomic.Bool
	stopping atomic.Bool
	lost     atomic.Bool

	callbacks atomic.Uint64
	xruns     atomic.Uint64
	faults    atomic.Uint64
}

func newEndpoint(backend Backend, dir Direction, logger *slog.Logger) endpoint {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return endpoint{
		backend:   backend,
		direction: dir,
		logger:    logger,
	}
}

// validate 检查设备与格式是否与协商结果一致
func (e *endpoint) validate(device DeviceDescriptor, format StreamFormat, ring *FrameRingBuffer) error {
	if e.stream != nil {
		return fmt.Errorf("%w: %s endpoint already open", ErrStreamOpen, e.direction)
	}
	if device.Direction != e.direction {
		return fmt.Errorf("%w: device %q is not an %s device", ErrStreamOpen, device.Name, e.direction)
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamOpen, err)
	}
	if !device.Supports(format) {
		return fmt.Errorf("%w: device %q does not support %s", ErrStreamOpen, device.Name, format)
	}
	if ring == nil {
		return fmt.Errorf("%w: nil ring buffer", ErrStreamOpen)
	}
	if ring.BlockBytes() != format.BlockBytes() {
		return fmt.Errorf("%w: ring block size %d does not match format block size %d",
			ErrStreamOpen, ring.BlockBytes(), format.BlockBytes())
	}
	return nil
}

func (e *endpoint) open(device DeviceDescriptor, format StreamFormat, ring *FrameRingBuffer, data func([]byte)) error {
	if err := e.validate(device, format, ring); err != nil {
		return err
	}

	e.callbacks.Store(0)
	e.xruns.Store(0)
	e.faults.Store(0)
	e.lost.Store(false)
	e.stopping.Store(false)

	stream, err := e.backend.OpenStream(device, format, StreamCallbacks{
		Data: data,
		Xrun: e.onXrun,
		Lost: e.onLost,
	})
	if err != nil {
		if errors.Is(err, ErrStreamOpen) {
			return err
		}
		return fmt.Errorf("%w: %s device %q: %v", ErrStreamOpen, e.direction, device.Name, err)
	}

	e.device = device
	e.ring = ring
	e.stream = stream
	e.logger.Debug("Opened audio stream",
		"direction", e.direction.String(),
		"device", device.Name,
		"format", format.String())
	return nil
}

func (e *endpoint) start() error {
	if e.stream == nil {
		return fmt.Errorf("%w: %s endpoint not open", ErrStreamStart, e.direction)
	}
	if e.running.Load() {
		return fmt.Errorf("%w: %s device %q already in use", ErrStreamStart, e.direction, e.device.Name)
	}

	e.stopping.Store(false)
	if err := e.stream.Start(); err != nil {
		if errors.Is(err, ErrStreamStart) {
			return err
		}
		return fmt.Errorf("%w: %s device %q: %v", ErrStreamStart, e.direction, e.device.Name, err)
	}
	e.running.Store(true)
	return nil
}

func (e *endpoint) stop() error {
	if e.stream == nil || !e.running.Load() {
		return nil
	}
	e.stopping.Store(true)
	err := e.stream.Stop()
	e.running.Store(false)
	if err != nil {
		return fmt.Errorf("failed to stop %s stream: %w", e.direction, err)
	}
	return nil
}

// close 停止并释放设备流，任何路径上都会释放
func (e *endpoint) close() error {
	if e.stream == nil {
		return nil
	}
	stopErr := e.stop()
	closeErr := e.stream.Close()
	e.stream = nil
	e.ring = nil
	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close %s stream: %w", e.direction, closeErr)
	}
	return errors.Join(stopErr, closeErr)
}

func (e *endpoint) onXrun() {
	e.xruns.Add(1)
}

func (e *endpoint) onLost() {
	if e.stopping.Load() {
		return
	}
	e.lost.Store(true)
}

// recoverFault 吞掉回调中的 panic 并计数，panic 不能越过实时回调边界
func (e *endpoint) recoverFault() {
	if r := recover(); r != nil {
		e.faults.Add(1)
	}
}

// Running 端点是否已启动且设备未丢失
func (e *endpoint) Running() bool {
	return e.running.Load() && !e.lost.Load()
}

// Lost 设备是否在运行中意外停止
func (e *endpoint) Lost() bool {
	return e.lost.Load()
}

// Stats 回调统计快照
func (e *endpoint) Stats() EndpointStats {
	return EndpointStats{
		Callbacks: e.callbacks.Load(),
		HostXruns: e.xruns.Load(),
		Faults:    e.faults.Load(),
	}
}
