// Package metrics defines the Prometheus collectors exported by the mesh.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshdata/meshdata-go/pkg/netdata"
)

// Label values.
const (
	TierFull   = "full"
	TierStable = "stable"

	PollData    = "data"
	PollAck     = "ack"
	PollTimeout = "timeout"
)

type Option func(*option)

// WithRegistry specifies the registerer used to create the metrics.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *option) {
		o.registry = registry
	}
}

type option struct {
	registry prometheus.Registerer
}

func apply(opts []Option) option {
	o := option{registry: prometheus.DefaultRegisterer}
	for _, option := range opts {
		option(&o)
	}
	return o
}

// Metrics holds every collector.
type Metrics struct {
	LeaderVersion  *prometheus.GaugeVec
	MirrorVersion  *prometheus.GaugeVec
	MirrorEntries  *prometheus.GaugeVec
	MirrorUpdates  *prometheus.CounterVec
	Announcements  *prometheus.CounterVec
	DataRequests   *prometheus.CounterVec
	Polls          *prometheus.CounterVec
	Registrations  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	DetachedEvents *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	o := apply(opts)
	auto := promauto.With(o.registry)

	return &Metrics{
		LeaderVersion: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdata_leader_version",
			Help: "Network Data version held by the Leader store.",
		}, []string{"tier"}),
		MirrorVersion: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdata_mirror_version",
			Help: "Network Data version of a device's local mirror.",
		}, []string{"device", "tier"}),
		MirrorEntries: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdata_mirror_entries",
			Help: "Number of prefix entries in a device's local mirror.",
		}, []string{"device"}),
		MirrorUpdates: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_mirror_updates_total",
			Help: "Total number of transfers applied to a device's mirror.",
		}, []string{"device"}),
		Announcements: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_announcements_total",
			Help: "Total number of version announcements sent.",
		}, []string{"device"}),
		DataRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_data_requests_total",
			Help: "Total number of data requests served.",
		}, []string{"device", "mode"}),
		Polls: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_polls_total",
			Help: "Total number of sleepy polls by outcome.",
		}, []string{"device", "result"}),
		Registrations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_registrations_total",
			Help: "Total number of server data registrations handled by the Leader.",
		}, []string{"status"}),
		FramesSent: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_frames_sent_total",
			Help: "Total number of frames put on the medium.",
		}, []string{"type"}),
		FramesDropped: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_frames_dropped_total",
			Help: "Total number of frames not delivered.",
		}, []string{"reason"}),
		DetachedEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdata_detached_total",
			Help: "Total number of times a device lost or degraded its attachment.",
		}, []string{"device"}),
	}
}

// SetLeaderVersion records the Leader store version.
func (m *Metrics) SetLeaderVersion(v netdata.Version) {
	if m == nil {
		return
	}
	m.LeaderVersion.WithLabelValues(TierFull).Set(float64(v.Full))
	m.LeaderVersion.WithLabelValues(TierStable).Set(float64(v.Stable))
}

// MirrorApplied records a transfer applied on device.
func (m *Metrics) MirrorApplied(device string, v netdata.Version, entries int) {
	if m == nil {
		return
	}
	m.MirrorVersion.WithLabelValues(device, TierFull).Set(float64(v.Full))
	m.MirrorVersion.WithLabelValues(device, TierStable).Set(float64(v.Stable))
	m.MirrorEntries.WithLabelValues(device).Set(float64(entries))
	m.MirrorUpdates.WithLabelValues(device).Inc()
}

// Announced counts an announcement sent by device.
func (m *Metrics) Announced(device string) {
	if m == nil {
		return
	}
	m.Announcements.WithLabelValues(device).Inc()
}

// RequestServed counts a data request served by device.
func (m *Metrics) RequestServed(device string, mode netdata.SyncMode) {
	if m == nil {
		return
	}
	m.DataRequests.WithLabelValues(device, mode.String()).Inc()
}

// Polled counts a poll outcome on device.
func (m *Metrics) Polled(device, result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(device, result).Inc()
}

// Registered counts a registration outcome.
func (m *Metrics) Registered(status string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(status).Inc()
}

// FrameSent counts a frame of the given message type.
func (m *Metrics) FrameSent(msgType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(msgType).Inc()
}

// FrameDropped counts a dropped frame.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// Detached counts a detach on device.
func (m *Metrics) Detached(device string) {
	if m == nil {
		return
	}
	m.DetachedEvents.WithLabelValues(device).Inc()
}
