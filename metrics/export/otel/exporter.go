package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/johnnydxm/dwayauth"
	"github.com/johnnydxm/dwayauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Constructor errors.
var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// LeKey labels the upper bound of a histogram bucket observation.
const LeKey = attribute.Key("le")

type metricsSource interface {
	MetricsSnapshot() dwayauth.MetricsSnapshot
	AuditDropped() uint64
}

// Option configures an OTelExporter.
type Option func(*OTelExporter)

// WithAttributes attaches attrs to every observation, e.g. the deployment
// region of the engine.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(e *OTelExporter) {
		e.common = append(e.common, attrs...)
	}
}

type latencyInstruments struct {
	id      dwayauth.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableCounter
	bounds  []metric.ObserveOption
}

// OTelExporter publishes engine metrics as observable OTel instruments
// read at collection time. A latency histogram becomes one gauge of
// cumulative bucket counts labelled by le plus a sample counter.
type OTelExporter struct {
	source       metricsSource
	common       []attribute.KeyValue
	counters     map[dwayauth.MetricID]metric.Int64ObservableCounter
	latencies    []latencyInstruments
	auditDropped metric.Int64ObservableCounter
	registration metric.Registration
}

// NewOTelExporter registers instruments on meter that read engine at every
// collection.
func NewOTelExporter(meter metric.Meter, engine *dwayauth.Engine, opts ...Option) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine, opts...)
}

// NewOTelExporterFromSource is NewOTelExporter over any snapshot source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource, opts ...Option) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[dwayauth.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}
	for _, opt := range opts {
		opt(e)
	}

	var observables []metric.Observable
	for _, def := range internaldefs.CounterDefs {
		c, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = c
		observables = append(observables, c)
	}

	for _, def := range internaldefs.HistogramDefs {
		li, err := e.latency(meter, def)
		if err != nil {
			return nil, err
		}
		e.latencies = append(e.latencies, li)
		observables = append(observables, li.buckets, li.count)
	}

	dropped, err := meter.Int64ObservableCounter(
		internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events dropped on a full buffer."),
	)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", internaldefs.AuditDroppedName, err)
	}
	e.auditDropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *OTelExporter) latency(meter metric.Meter, def internaldefs.HistogramDef) (latencyInstruments, error) {
	li := latencyInstruments{id: def.ID}

	var err error
	li.buckets, err = meter.Int64ObservableGauge(def.Name+"_bucket",
		metric.WithDescription(def.Help+" Cumulative count per upper bound."))
	if err != nil {
		return li, fmt.Errorf("gauge %s_bucket: %w", def.Name, err)
	}
	li.count, err = meter.Int64ObservableCounter(def.Name+"_count",
		metric.WithDescription(def.Help+" Sample count."))
	if err != nil {
		return li, fmt.Errorf("counter %s_count: %w", def.Name, err)
	}

	for _, le := range internaldefs.HistogramBounds {
		attrs := append([]attribute.KeyValue{LeKey.String(le)}, e.common...)
		li.bounds = append(li.bounds, metric.WithAttributes(attrs...))
	}
	return li, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	common := metric.WithAttributes(e.common...)

	for id, c := range e.counters {
		o.ObserveInt64(c, int64(snap.Counters[id]), common)
	}
	for _, li := range e.latencies {
		cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[li.id]))
		for i, opt := range li.bounds {
			o.ObserveInt64(li.buckets, int64(cum[i]), opt)
		}
		o.ObserveInt64(li.count, int64(cum[len(cum)-1]), common)
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()), common)
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
