// Package metrics holds the Prometheus collectors of the DMA layer and the camera pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DMA counts traffic per engine. A nil *DMA discards all updates.
type DMA struct {
	bytesRead    *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
	starts       *prometheus.CounterVec
}

// NewDMA registers the DMA collectors with reg.
func NewDMA(reg prometheus.Registerer) *DMA {
	return &DMA{
		bytesRead: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcilib_dma_read_bytes_total",
				Help: "Bytes delivered to stream callbacks",
			},
			[]string{"engine"},
		),
		bytesWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcilib_dma_written_bytes_total",
				Help: "Bytes pushed to the device",
			},
			[]string{"engine"},
		),
		timeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcilib_dma_stream_timeouts_total",
				Help: "Streams that ended waiting for data",
			},
			[]string{"engine"},
		),
		starts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcilib_dma_engine_starts_total",
				Help: "Engine starts, labelled by whether buffers were reused",
			},
			[]string{"engine", "reused"},
		),
	}
}

// Read adds n bytes read from engine.
func (m *DMA) Read(engine int, n int) {
	if m == nil {
		return
	}
	m.bytesRead.WithLabelValues(strconv.Itoa(engine)).Add(float64(n))
}

// Written adds n bytes written to engine.
func (m *DMA) Written(engine int, n int) {
	if m == nil {
		return
	}
	m.bytesWritten.WithLabelValues(strconv.Itoa(engine)).Add(float64(n))
}

// Timeout counts a stream on engine ending without data.
func (m *DMA) Timeout(engine int) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(strconv.Itoa(engine)).Inc()
}

// Started counts an engine start.
func (m *DMA) Started(engine int, reused bool) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(strconv.Itoa(engine), strconv.FormatBool(reused)).Inc()
}

// Camera tracks the event pipeline. A nil *Camera discards all updates.
type Camera struct {
	frames      prometheus.Counter
	broken      prometheus.Counter
	decoded     prometheus.Counter
	overwritten prometheus.Counter
	eventID     prometheus.Gauge
}

// NewCamera registers the camera collectors with reg.
func NewCamera(reg prometheus.Registerer) *Camera {
	return &Camera{
		frames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ipecamera_frames_total",
			Help: "Frames finalized by the reader",
		}),
		broken: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ipecamera_frames_broken_total",
			Help: "Frames finalized short of their expected size",
		}),
		decoded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ipecamera_frames_decoded_total",
			Help: "Frames decoded into pixel data",
		}),
		overwritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ipecamera_get_overwritten_total",
			Help: "Data requests for frames already outside the live window",
		}),
		eventID: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ipecamera_event_id",
			Help: "Id of the last captured frame",
		}),
	}
}

// Frame records a finalized frame.
func (m *Camera) Frame(id uint64, broken bool) {
	if m == nil {
		return
	}
	m.frames.Inc()
	if broken {
		m.broken.Inc()
	}
	m.eventID.Set(float64(id))
}

// Decoded records a decoded frame.
func (m *Camera) Decoded() {
	if m == nil {
		return
	}
	m.decoded.Inc()
}

// Overwritten records a request for a lost frame.
func (m *Camera) Overwritten() {
	if m == nil {
		return
	}
	m.overwritten.Inc()
}
