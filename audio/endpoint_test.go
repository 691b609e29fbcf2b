package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 4 帧 × 2 声道 × 2 字节 = 16 字节一块
var smallFormat = StreamFormat{SampleRate: 48000, Channels: 2, Format: FormatS16, FramesPerBlock: 4}

func virtualPair(t *testing.T) (*VirtualBackend, DeviceDescriptor, DeviceDescriptor) {
	t.Helper()
	devices := DefaultVirtualDevices()
	backend := NewVirtualBackend(devices...)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, devices[0], devices[1]
}

func newRing(t *testing.T, depth int, format StreamFormat) *FrameRingBuffer {
	t.Helper()
	rb, err := NewFrameRingBuffer(depth, format.BlockBytes())
	require.NoError(t, err)
	return rb
}

func filled(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestCaptureEndpoint_PushesBlocksAndCountsOverruns(t *testing.T) {
	t.Parallel()

	backend, in, _ := virtualPair(t)
	ring := newRing(t, 2, smallFormat)
	capture := NewCaptureEndpoint(backend, nil)

	require.NoError(t, capture.Open(in, smallFormat, ring))
	require.NoError(t, capture.Start())
	assert.True(t, capture.Running())

	for i := 1; i <= 3; i++ {
		require.True(t, backend.Fire(in.ID, filled(16, byte(i))))
	}
	assert.Equal(t, 2, ring.Len())
	assert.Equal(t, uint64(1), capture.Overruns())
	assert.Equal(t, uint64(3), capture.Stats().Callbacks)

	// 丢弃的块同样占用序号，消费端可据此发现缺口
	dst := FrameBlock{Samples: make([]byte, 16)}
	require.True(t, ring.Pop(&dst))
	assert.Equal(t, uint64(1), dst.Seq)
	assert.Equal(t, filled(16, 1), dst.Samples)
	require.True(t, ring.Pop(&dst))
	assert.Equal(t, uint64(2), dst.Seq)

	require.NoError(t, capture.Close())
	assert.False(t, capture.Running())
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestCaptureEndpoint_AssemblesPartialCallbacks(t *testing.T) {
	t.Parallel()

	backend, in, _ := virtualPair(t)
	ring := newRing(t, 4, smallFormat)
	capture := NewCaptureEndpoint(backend, nil)
	require.NoError(t, capture.Open(in, smallFormat, ring))
	require.NoError(t, capture.Start())
	defer capture.Close()

	backend.Fire(in.ID, filled(10, 1))
	assert.Equal(t, 0, ring.Len())
	backend.Fire(in.ID, filled(10, 2))
	assert.Equal(t, 1, ring.Len())
	backend.Fire(in.ID, filled(12, 3))
	assert.Equal(t, 2, ring.Len())

	dst := FrameBlock{Samples: make([]byte, 16)}
	require.True(t, ring.Pop(&dst))
	assert.Equal(t, append(filled(10, 1), filled(6, 2)...), dst.Samples)
	require.True(t, ring.Pop(&dst))
	assert.Equal(t, append(filled(4, 2), filled(12, 3)...), dst.Samples)
}

func TestPlaybackEndpoint_RendersBlocksAndSilence(t *testing.T) {
	t.Parallel()

	backend, _, out := virtualPair(t)
	ring := newRing(t, 4, smallFormat)
	playback := NewPlaybackEndpoint(backend, nil)
	require.NoError(t, playback.Open(out, smallFormat, ring))
	require.NoError(t, playback.Start())
	defer playback.Close()

	// 空缓冲：输出静音并计一次欠载
	buf := filled(16, 0xff)
	require.True(t, backend.Fire(out.ID, buf))
	assert.Equal(t, make([]byte, 16), buf)
	assert.Equal(t, uint64(1), playback.Underruns())

	require.True(t, ring.Push(FrameBlock{Seq: 7, Samples: filled(16, 5)}))
	require.True(t, backend.Fire(out.ID, buf))
	assert.Equal(t, filled(16, 5), buf)
	assert.Equal(t, uint64(1), playback.Underruns())
	assert.Equal(t, uint64(7), playback.LastSequence())
}

func TestPlaybackEndpoint_PartialUnderrun(t *testing.T) {
	t.Parallel()

	backend, _, out := virtualPair(t)
	ring := newRing(t, 4, smallFormat)
	playback := NewPlaybackEndpoint(backend, nil)
	require.NoError(t, playback.Open(out, smallFormat, ring))
	require.NoError(t, playback.Start())
	defer playback.Close()

	require.True(t, ring.Push(FrameBlock{Seq: 1, Samples: filled(16, 3)}))

	// 回调请求的数据多于缓冲中已有的数据，剩余部分补静音
	buf := filled(24, 0xff)
	require.True(t, backend.Fire(out.ID, buf))
	assert.Equal(t, append(filled(16, 3), make([]byte, 8)...), buf)
	assert.Equal(t, uint64(1), playback.Underruns())

	// 小于一块的回调跨块消费
	require.True(t, ring.Push(FrameBlock{Seq: 2, Samples: filled(16, 4)}))
	small := make([]byte, 8)
	require.True(t, backend.Fire(out.ID, small))
	assert.Equal(t, filled(8, 4), small)
	require.True(t, backend.Fire(out.ID, small))
	assert.Equal(t, filled(8, 4), small)
	assert.Equal(t, uint64(1), playback.Underruns())
}

func TestPlaybackEndpoint_UnsignedSilence(t *testing.T) {
	t.Parallel()

	format := StreamFormat{SampleRate: 8000, Channels: 1, Format: FormatU8, FramesPerBlock: 8}
	out := testDevice("u8-out", DirectionOutput, []int{8000}, ChannelRange{1, 1}, FormatU8)
	backend := NewVirtualBackend(out)
	defer backend.Close()

	playback := NewPlaybackEndpoint(backend, nil)
	require.NoError(t, playback.Open(out, format, newRing(t, 2, format)))
	require.NoError(t, playback.Start())
	defer playback.Close()

	buf := make([]byte, 8)
	require.True(t, backend.Fire(out.ID, buf))
	assert.Equal(t, filled(8, 0x80), buf)
}

func TestEndpoint_OpenValidation(t *testing.T) {
	t.Parallel()

	backend, in, out := virtualPair(t)
	ring := newRing(t, 2, smallFormat)

	capture := NewCaptureEndpoint(backend, nil)
	err := capture.Open(out, smallFormat, ring)
	require.ErrorIs(t, err, ErrStreamOpen, "output device for capture")

	unsupported := smallFormat
	unsupported.SampleRate = 96000
	err = capture.Open(in, unsupported, newRing(t, 2, unsupported))
	require.ErrorIs(t, err, ErrStreamOpen)

	other := smallFormat
	other.FramesPerBlock = 8
	err = capture.Open(in, smallFormat, newRing(t, 2, other))
	require.ErrorIs(t, err, ErrStreamOpen, "ring block size mismatch")

	err = capture.Open(in, smallFormat, nil)
	require.ErrorIs(t, err, ErrStreamOpen)

	require.NoError(t, capture.Open(in, smallFormat, ring))
	err = capture.Open(in, smallFormat, ring)
	require.ErrorIs(t, err, ErrStreamOpen, "already open")
	require.NoError(t, capture.Close())
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestEndpoint_BackendFailures(t *testing.T) {
	t.Parallel()

	backend, in, out := virtualPair(t)
	backend.FailOpen(in.ID, errors.New("device busy"))
	backend.FailStart(out.ID, errors.New("device unplugged"))

	capture := NewCaptureEndpoint(backend, nil)
	err := capture.Open(in, smallFormat, newRing(t, 2, smallFormat))
	require.ErrorIs(t, err, ErrStreamOpen)
	assert.Contains(t, err.Error(), "device busy")

	playback := NewPlaybackEndpoint(backend, nil)
	require.NoError(t, playback.Open(out, smallFormat, newRing(t, 2, smallFormat)))
	err = playback.Start()
	require.ErrorIs(t, err, ErrStreamStart)
	assert.False(t, playback.Running())
	require.NoError(t, playback.Close())

	err = playback.Start()
	require.ErrorIs(t, err, ErrStreamStart, "start on a closed endpoint")
}

func TestEndpoint_DeviceInUse(t *testing.T) {
	t.Parallel()

	backend, in, _ := virtualPair(t)

	first := NewCaptureEndpoint(backend, nil)
	require.NoError(t, first.Open(in, smallFormat, newRing(t, 2, smallFormat)))
	require.NoError(t, first.Start())
	defer first.Close()

	second := NewCaptureEndpoint(backend, nil)
	require.NoError(t, second.Open(in, smallFormat, newRing(t, 2, smallFormat)))
	defer second.Close()
	require.ErrorIs(t, second.Start(), ErrStreamStart)
}

func TestEndpoint_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	backend, in, _ := virtualPair(t)
	capture := NewCaptureEndpoint(backend, nil)

	require.NoError(t, capture.Stop(), "stop before open")
	require.NoError(t, capture.Open(in, smallFormat, newRing(t, 2, smallFormat)))
	require.NoError(t, capture.Start())
	require.NoError(t, capture.Stop())
	require.NoError(t, capture.Stop())

	// 停止后不再有回调
	assert.False(t, backend.Fire(in.ID, filled(16, 1)))
	require.NoError(t, capture.Close())
	require.NoError(t, capture.Close())
}

func TestEndpoint_XrunAndDeviceLoss(t *testing.T) {
	t.Parallel()

	backend, in, out := virtualPair(t)
	capture := NewCaptureEndpoint(backend, nil)
	require.NoError(t, capture.Open(in, smallFormat, newRing(t, 2, smallFormat)))
	require.NoError(t, capture.Start())
	defer capture.Close()

	playback := NewPlaybackEndpoint(backend, nil)
	require.NoError(t, playback.Open(out, smallFormat, newRing(t, 2, smallFormat)))
	require.NoError(t, playback.Start())

	backend.Xrun(in.ID)
	backend.Xrun(in.ID)
	assert.Equal(t, uint64(2), capture.Stats().HostXruns)

	backend.Disconnect(in.ID)
	assert.True(t, capture.Lost())
	assert.False(t, capture.Running())
	assert.False(t, backend.Fire(in.ID, filled(16, 1)))

	// 主动停止时的停止通知不算设备丢失
	require.NoError(t, playback.Stop())
	backend.Disconnect(out.ID)
	assert.False(t, playback.Lost())
	require.NoError(t, playback.Close())
}

func TestEndpoint_CallbackPanicIsContained(t *testing.T) {
	t.Parallel()

	backend, in, _ := virtualPair(t)
	capture := NewCaptureEndpoint(backend, nil)
	require.NoError(t, capture.Open(in, smallFormat, newRing(t, 2, smallFormat)))
	require.NoError(t, capture.Close())

	// 关闭后环形缓冲已释放，迟到的回调触发 panic，必须被计数而不是向外传播
	assert.NotPanics(t, func() { capture.Process(filled(16, 1)) })
	assert.Equal(t, uint64(1), capture.Stats().Faults)
}
