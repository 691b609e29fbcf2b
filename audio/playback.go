package audio

import (
	"log/slog"
	"sync/atomic"
)

// PlaybackEndpoint 持有输出设备流，每次回调从环形缓冲取块填充输出，欠载时补静音
type PlaybackEndpoint struct {
	endpoint

	// 以下字段只在播放回调线程中访问
	current FrameBlock
	buf     []byte
	pos     int
	silence byte

	underruns atomic.Uint64
	lastSeq   atomic.Uint64
}

// NewPlaybackEndpoint 创建播放端点
func NewPlaybackEndpoint(backend Backend, logger *slog.Logger) *PlaybackEndpoint {
	return &PlaybackEndpoint{
		endpoint: newEndpoint(backend, DirectionOutput, logger),
	}
}

// Open 校验设备与格式并打开输出流，失败返回 ErrStreamOpen
func (p *PlaybackEndpoint) Open(device DeviceDescriptor, format StreamFormat, ring *FrameRingBuffer) error {
	if err := p.validate(device, format, ring); err != nil {
		return err
	}
	p.buf = make([]byte, format.BlockBytes())
	p.current = FrameBlock{Samples: p.buf[:0]}
	p.pos = 0
	p.silence = format.Format.silenceByte()
	p.underruns.Store(0)
	p.lastSeq.Store(0)
	return p.open(device, format, ring, p.Render)
}

// Start 开始接收硬件回调，设备占用或不可达时返回 ErrStreamStart
func (p *PlaybackEndpoint) Start() error {
	return p.start()
}

// Stop 停止回调，返回后不再有播放回调执行
func (p *PlaybackEndpoint) Stop() error {
	return p.stop()
}

// Close 停止并释放设备流
func (p *PlaybackEndpoint) Close() error {
	return p.close()
}

// Render 播放回调：从环形缓冲取块写入输出缓冲。
// 数据不足时剩余部分填充静音并计入一次欠载，不阻塞、不分配内存、不向外抛出 panic。
func (p *PlaybackEndpoint) Render(out []byte) {
	defer p.recoverFault()
	p.callbacks.Add(1)

	for len(out) > 0 {
		if p.pos >= len(p.current.Samples) {
			p.current.Samples = p.buf
			if !p.ring.Pop(&p.current) {
				p.current.Samples = p.buf[:0]
				p.pos = 0
				p.fillSilence(out)
				p.underruns.Add(1)
				return
			}
			p.pos = 0
			p.lastSeq.Store(p.current.Seq)
		}

		n := copy(out, p.current.Samples[p.pos:])
		p.pos += n
		out = out[n:]
	}
}

func (p *PlaybackEndpoint) fillSilence(out []byte) {
	if p.silence == 0 {
		clear(out)
		return
	}
	for i := range out {
		out[i] = p.silence
	}
}

// Underruns 因缓冲为空而补静音的回调次数
func (p *PlaybackEndpoint) Underruns() uint64 {
	return p.underruns.Load()
}

// LastSequence 最近一次播放的块序号，用于诊断丢块与乱序
func (p *PlaybackEndpoint) LastSequence() uint64 {
	return p.lastSeq.Load()
}
