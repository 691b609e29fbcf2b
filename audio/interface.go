// audio/interface.go
package audio

// Backend 音频子系统句柄，进程内显式初始化，使用完毕后必须 Close
type Backend interface {
	Name() string
	// Devices 返回当前全部输入输出设备的快照，没有设备时返回空切片
	Devices() ([]DeviceDescriptor, error)
	// DefaultDevice 返回子系统配置的默认设备，未配置时返回 ErrNoDefaultDevice
	DefaultDevice(dir Direction) (DeviceDescriptor, error)
	// OpenStream 按设备方向打开采集流或播放流，回调由子系统的实时线程驱动
	OpenStream(dev DeviceDescriptor, format StreamFormat, cb StreamCallbacks) (Stream, error)
	Close() error
}

// Stream 已打开的设备流
type Stream interface {
	Start() error
	// Stop 返回后不再有回调执行
	Stop() error
	Close() error
}

// StreamCallbacks 流回调，全部运行在实时线程上，不得阻塞或分配内存
type StreamCallbacks struct {
	// Data 采集流传入采集到的数据，播放流传入需要填充的输出缓冲
	Data func(buf []byte)
	// Xrun 子系统自身报告的溢出/欠载标志
	Xrun func()
	// Lost 设备意外停止（例如被拔出）
	Lost func()
}
