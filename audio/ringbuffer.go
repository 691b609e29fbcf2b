package audio

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// FrameRingBuffer 单生产者单消费者的无锁定长音频块队列。
// 生产者只写 write，消费者只写 read；两个索引只增不减，槽位 = 索引 % 容量。
type FrameRingBuffer struct {
	slots      [][]byte
	lengths    []int
	seqs       []uint64
	capacity   uint64
	blockBytes int

	_     cpu.CacheLinePad
	write atomic.Uint64
	_     cpu.CacheLinePad
	read  atomic.Uint64
	_     cpu.CacheLinePad
}

// NewFrameRingBuffer 预分配全部槽位，构造后不再分配内存
func NewFrameRingBuffer(capacity, blockBytes int) (*FrameRingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid ring buffer capacity: %d", capacity)
	}
	if blockBytes <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockBytes)
	}

	storage := make([]byte, capacity*blockBytes)
	slots := make([][]byte, capacity)
	for i := range slots {
		slots[i] = storage[i*blockBytes : (i+1)*blockBytes : (i+1)*blockBytes]
	}

	return &FrameRingBuffer{
		slots:      slots,
		lengths:    make([]int, capacity),
		seqs:       make([]uint64, capacity),
		capacity:   uint64(capacity),
		blockBytes: blockBytes,
	}, nil
}

// Push 非阻塞入队，队列满时返回 false（溢出），由调用方计数并丢弃该块。
// 调用方必须传入不超过 BlockBytes 的数据，超出部分被截断。
func (rb *FrameRingBuffer) Push(block FrameBlock) bool {
	w := rb.write.Load()
	if w-rb.read.Load() >= rb.capacity {
		return false
	}

	i := w % rb.capacity
	rb.lengths[i] = copy(rb.slots[i], block.Samples)
	rb.seqs[i] = block.Seq
	// 发布：消费者读到新的 write 后才会访问该槽位
	rb.write.Store(w + 1)
	return true
}

// Pop 非阻塞出队，把数据复制到 dst.Samples 并设置 dst.Seq。
// 队列为空时返回 false（欠载）。dst.Samples 的容量必须不小于 BlockBytes，
// 否则块被截短；dst.Samples 的长度被设为实际复制的字节数。
func (rb *FrameRingBuffer) Pop(dst *FrameBlock) bool {
	r := rb.read.Load()
	if r == rb.write.Load() {
		return false
	}

	i := r % rb.capacity
	n := copy(dst.Samples[:cap(dst.Samples)], rb.slots[i][:rb.lengths[i]])
	dst.Samples = dst.Samples[:n]
	dst.Seq = rb.seqs[i]
	// 释放槽位给生产者
	rb.read.Store(r + 1)
	return true
}

// Len 当前排队的块数，仅作诊断用途
func (rb *FrameRingBuffer) Len() int {
	r := rb.read.Load()
	return int(rb.write.Load() - r)
}

// Cap 容量（块数）
func (rb *FrameRingBuffer) Cap() int { return int(rb.capacity) }

// BlockBytes 每个槽位的字节数
func (rb *FrameRingBuffer) BlockBytes() int { return rb.blockBytes }
