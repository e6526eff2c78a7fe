package cacheinfra

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/goliatone/go-query-sync/cache"

// Outcome labels used by the fetch counter.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// Instrumentation records cache activity as prometheus metrics and
// opentelemetry spans. A nil *Instrumentation is valid and records nothing.
type Instrumentation struct {
	tracer trace.Tracer

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	dedups        *prometheus.CounterVec
	invalidations prometheus.Counter
	invalidated   prometheus.Counter
	mutations     *prometheus.CounterVec
	entries       prometheus.Gauge
	pollers       prometheus.Gauge
}

// NewInstrumentation builds the collectors and registers them on reg.
// A nil reg keeps the collectors unregistered, a nil tp uses a no-op tracer.
func NewInstrumentation(reg prometheus.Registerer, tp trace.TracerProvider) (*Instrumentation, error) {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	inst := &Instrumentation{
		tracer: tp.Tracer(instrumentationName),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querysync_fetches_total",
			Help: "Fetch attempts by key namespace and outcome",
		}, []string{"namespace", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querysync_fetch_duration_seconds",
			Help:    "Fetcher latency by key namespace",
			Buckets: prometheus.DefBuckets,
		}, []string{"namespace"}),
		dedups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querysync_dedup_total",
			Help: "Fetch triggers that attached to an in-flight request",
		}, []string{"namespace"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querysync_invalidations_total",
			Help: "Invalidation events published",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querysync_invalidated_entries_total",
			Help: "Entries marked stale by invalidation",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querysync_mutations_total",
			Help: "Mutations executed by name and outcome",
		}, []string{"mutation", "outcome"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "querysync_entries",
			Help: "Live cache entries",
		}),
		pollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "querysync_active_pollers",
			Help: "Running poll loops",
		}),
	}

	if reg == nil {
		return inst, nil
	}

	collectors := []prometheus.Collector{
		inst.fetches, inst.fetchDuration, inst.dedups, inst.invalidations,
		inst.invalidated, inst.mutations, inst.entries, inst.pollers,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// StartFetch opens a fetch span. The returned function closes it and records
// the attempt; it must be called exactly once.
func (i *Instrumentation) StartFetch(ctx context.Context, namespace, key string, attempt int) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "querysync.fetch", trace.WithAttributes(
		attribute.String("querysync.namespace", namespace),
		attribute.String("querysync.key", key),
		attribute.Int("querysync.attempt", attempt),
	))

	return ctx, func(err error) {
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		i.fetches.WithLabelValues(namespace, outcome).Inc()
		i.fetchDuration.WithLabelValues(namespace).Observe(time.Since(start).Seconds())
	}
}

// StartMutation opens a mutation span, see StartFetch.
func (i *Instrumentation) StartMutation(ctx context.Context, name string) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	ctx, span := i.tracer.Start(ctx, "querysync.mutation", trace.WithAttributes(
		attribute.String("querysync.mutation", name),
	))

	return ctx, func(err error) {
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		i.mutations.WithLabelValues(name, outcome).Inc()
	}
}

// Dedup counts a trigger that joined an in-flight request.
func (i *Instrumentation) Dedup(namespace string) {
	if i == nil {
		return
	}
	i.dedups.WithLabelValues(namespace).Inc()
}

// Dropped counts a completion discarded because a newer request superseded it
// or the entry was abandoned.
func (i *Instrumentation) Dropped(namespace string) {
	if i == nil {
		return
	}
	i.fetches.WithLabelValues(namespace, OutcomeDropped).Inc()
}

// Invalidated records one invalidation event and the entries it matched.
func (i *Instrumentation) Invalidated(matched int) {
	if i == nil {
		return
	}
	i.invalidations.Inc()
	i.invalidated.Add(float64(matched))
}

// SetEntries publishes the live entry count.
func (i *Instrumentation) SetEntries(n int) {
	if i == nil {
		return
	}
	i.entries.Set(float64(n))
}

// SetPollers publishes the running poll loop count.
func (i *Instrumentation) SetPollers(n int) {
	if i == nil {
		return
	}
	i.pollers.Set(float64(n))
}
