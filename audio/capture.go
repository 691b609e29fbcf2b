package audio

import (
	"log/slog"
	"sync/atomic"
)

// CaptureEndpoint 持有输入设备流，每次回调把采集到的数据按块写入环形缓冲
type CaptureEndpoint struct {
	endpoint

	// 以下字段只在采集回调线程中访问
	staging []byte
	filled  int
	seq     uint64

	overruns atomic.Uint64
}

// NewCaptureEndpoint 创建采集端点
func NewCaptureEndpoint(backend Backend, logger *slog.Logger) *CaptureEndpoint {
	return &CaptureEndpoint{
		endpoint: newEndpoint(backend, DirectionInput, logger),
	}
}

// Open 校验设备与格式并打开输入流，失败返回 ErrStreamOpen
func (c *CaptureEndpoint) Open(device DeviceDescriptor, format StreamFormat, ring *FrameRingBuffer) error {
	if err := c.validate(device, format, ring); err != nil {
		return err
	}
	c.staging = make([]byte, format.BlockBytes())
	c.filled = 0
	c.seq = 0
	c.overruns.Store(0)
	return c.open(device, format, ring, c.Process)
}

// Start 开始接收硬件回调，设备占用或不可达时返回 ErrStreamStart
func (c *CaptureEndpoint) Start() error {
	return c.start()
}

// Stop 停止回调，返回后不再有采集回调执行
func (c *CaptureEndpoint) Stop() error {
	return c.stop()
}

// Close 停止并释放设备流
func (c *CaptureEndpoint) Close() error {
	return c.close()
}

// Process 采集回调：把输入数据拼成定长块推入环形缓冲。
// 缓冲满时丢弃该块并计入溢出，不阻塞、不分配内存、不向外抛出 panic。
func (c *CaptureEndpoint) Process(in []byte) {
	defer c.recoverFault()
	c.callbacks.Add(1)

	for len(in) > 0 {
		n := copy(c.staging[c.filled:], in)
		c.filled += n
		in = in[n:]

		if c.filled < len(c.staging) {
			break
		}
		c.filled = 0
		c.seq++
		if !c.ring.Push(FrameBlock{Seq: c.seq, Samples: c.staging}) {
			c.overruns.Add(1)
		}
	}
}

// Overruns 因缓冲满而丢弃的块数
func (c *CaptureEndpoint) Overruns() uint64 {
	return c.overruns.Load()
}
