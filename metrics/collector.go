// Package metrics 以 Prometheus 指标导出音频链路状态
package metrics

import (
	"fmt"

	"github.com/lisuiheng/pawire-go/core"
	"github.com/lisuiheng/pawire-go/pkg/interfaces"
	"github.com/prometheus/client_golang/prometheus"
)

var linkStates = []core.LinkState{
	core.StateIdle,
	core.StateStarting,
	core.StateRunning,
	core.StateStopping,
	core.StateFaulted,
}

// LinkCollector 在每次采集时读取一次状态快照，回调线程不感知指标的存在
type LinkCollector struct {
	source interfaces.StatusSource

	state       *prometheus.Desc
	overruns    *prometheus.Desc
	underruns   *prometheus.Desc
	callbacks   *prometheus.Desc
	hostXruns   *prometheus.Desc
	faults      *prometheus.Desc
	bufferDepth *prometheus.Desc
	bufferFill  *prometheus.Desc
	sampleRate  *prometheus.Desc
}

// NewLinkCollector 创建采集器并注册到 registry
func NewLinkCollector(source interfaces.StatusSource, registry *prometheus.Registry) (*LinkCollector, error) {
	c := &LinkCollector{
		source: source,
		state: prometheus.NewDesc("pawire_link_state",
			"Current audio link state (1 for the active state)", []string{"state"}, nil),
		overruns: prometheus.NewDesc("pawire_overruns_total",
			"Blocks dropped because the ring buffer was full", nil, nil),
		underruns: prometheus.NewDesc("pawire_underruns_total",
			"Playback callbacks padded with silence because the ring buffer was empty", nil, nil),
		callbacks: prometheus.NewDesc("pawire_callbacks_total",
			"Audio callbacks executed", []string{"direction"}, nil),
		hostXruns: prometheus.NewDesc("pawire_host_xruns_total",
			"Overflow/underflow flags reported by the audio subsystem", []string{"direction"}, nil),
		faults: prometheus.NewDesc("pawire_callback_faults_total",
			"Faults recovered inside audio callbacks", []string{"direction"}, nil),
		bufferDepth: prometheus.NewDesc("pawire_buffer_depth_blocks",
			"Ring buffer capacity in blocks", nil, nil),
		bufferFill: prometheus.NewDesc("pawire_buffer_fill_blocks",
			"Blocks currently queued in the ring buffer", nil, nil),
		sampleRate: prometheus.NewDesc("pawire_sample_rate_hertz",
			"Resolved stream sample rate", nil, nil),
	}
	if registry != nil {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register link metrics: %w", err)
		}
	}
	return c, nil
}

func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.overruns
	ch <- c.underruns
	ch <- c.callbacks
	ch <- c.hostXruns
	ch <- c.faults
	ch <- c.bufferDepth
	ch <- c.bufferFill
	ch <- c.sampleRate
}

func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Status()

	for _, s := range linkStates {
		v := 0.0
		if st.State == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, string(s))
	}

	ch <- prometheus.MustNewConstMetric(c.overruns, prometheus.CounterValue, float64(st.OverrunCount))
	ch <- prometheus.MustNewConstMetric(c.underruns, prometheus.CounterValue, float64(st.UnderrunCount))

	for dir, stats := range map[string]struct{ callbacks, xruns, faults uint64 }{
		"capture":  {st.Capture.Callbacks, st.Capture.HostXruns, st.Capture.Faults},
		"playback": {st.Playback.Callbacks, st.Playback.HostXruns, st.Playback.Faults},
	} {
		ch <- prometheus.MustNewConstMetric(c.callbacks, prometheus.CounterValue, float64(stats.callbacks), dir)
		ch <- prometheus.MustNewConstMetric(c.hostXruns, prometheus.CounterValue, float64(stats.xruns), dir)
		ch <- prometheus.MustNewConstMetric(c.faults, prometheus.CounterValue, float64(stats.faults), dir)
	}

	ch <- prometheus.MustNewConstMetric(c.bufferDepth, prometheus.GaugeValue, float64(st.BufferDepth))
	ch <- prometheus.MustNewConstMetric(c.bufferFill, prometheus.GaugeValue, float64(st.Buffered))
	ch <- prometheus.MustNewConstMetric(c.sampleRate, prometheus.GaugeValue, float64(st.Format.SampleRate))
}
