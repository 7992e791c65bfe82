package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/mistborn/lockd/pkg/lock"

	// ResultGranted means the request was satisfied immediately.
	ResultGranted = "granted"
	// ResultQueued means the request had to wait.
	ResultQueued = "queued"
	// ResultTimeout means a queued request's deadline elapsed.
	ResultTimeout = "timeout"
	// ResultMiss means a RELEASE named something the connection didn't hold.
	ResultMiss = "miss"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// acquireTotal tracks every ACQUIRE outcome by mode and result.
	//nolint:gochecknoglobals
	acquireTotal metric.Int64Counter

	// holdDuration tracks how long a lock was held between grant and
	// release.
	//nolint:gochecknoglobals
	holdDuration metric.Float64Histogram

	// releaseTotal tracks every RELEASE/RELEASEALL outcome.
	//nolint:gochecknoglobals
	releaseTotal metric.Int64Counter

	// waitersGauge reports the current number of queued requests across all
	// lock ids, observed from Registry.Snapshot at each metrics collection.
	//nolint:gochecknoglobals
	waitersGauge metric.Int64ObservableGauge

	// entitiesGauge reports the current number of live lock entities.
	//nolint:gochecknoglobals
	entitiesGauge metric.Int64ObservableGauge

	// sweepAnomalyTotal counts anomalies the periodic consistency sweep
	// finds (see Registry.Sweep); it should stay at zero under correct
	// operation.
	//nolint:gochecknoglobals
	sweepAnomalyTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	acquireTotal, err = meter.Int64Counter(
		"lockd_acquire_total",
		metric.WithDescription("Total number of ACQUIRE requests by mode and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	holdDuration, err = meter.Float64Histogram(
		"lockd_hold_duration_seconds",
		metric.WithDescription("Duration a lock was held between grant and release"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	releaseTotal, err = meter.Int64Counter(
		"lockd_release_total",
		metric.WithDescription("Total number of RELEASE/RELEASEALL requests by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	sweepAnomalyTotal, err = meter.Int64Counter(
		"lockd_sweep_anomaly_total",
		metric.WithDescription("Total number of anomalies found by the periodic consistency sweep, by kind"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordAcquire records one ACQUIRE outcome. mode is "read" or "write"
// (Mode.String()); result is one of ResultGranted, ResultQueued,
// ResultTimeout.
func RecordAcquire(ctx context.Context, mode, result string) {
	if acquireTotal == nil {
		return
	}

	acquireTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("result", result),
		),
	)
}

// RecordHoldDuration records how long a lock was held, in seconds, between
// grant and release.
func RecordHoldDuration(ctx context.Context, mode string, duration float64) {
	if holdDuration == nil {
		return
	}

	holdDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("mode", mode),
		),
	)
}

// RecordRelease records one RELEASE/RELEASEALL outcome: ResultGranted for a
// normal release, ResultMiss for a release naming something not held. mode
// is omitted from the recorded attributes for ResultMiss, since a miss
// means nothing was held and there is no mode to attribute it to.
func RecordRelease(ctx context.Context, mode, result string) {
	if releaseTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("result", result)}
	if result != ResultMiss {
		attrs = append(attrs, attribute.String("mode", mode))
	}

	releaseTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSweepAnomaly records one anomaly found by Registry.Sweep. kind is
// "abandoned" or "past_deadline".
func RecordSweepAnomaly(ctx context.Context, kind string) {
	if sweepAnomalyTotal == nil {
		return
	}

	sweepAnomalyTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RegisterGaugeCallbacks wires the waiter-count and entity-count observable
// gauges to registrySnapshot, which the meter calls at each collection
// (Registry.Snapshot takes the registry's mutex). Called once at startup
// after the Registry is constructed.
func RegisterGaugeCallbacks(registrySnapshot func() (entities, waiters int)) error {
	var err error

	waitersGauge, err = meter.Int64ObservableGauge(
		"lockd_waiters",
		metric.WithDescription("Number of requests currently queued across all lock ids"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	entitiesGauge, err = meter.Int64ObservableGauge(
		"lockd_entities",
		metric.WithDescription("Number of live lock entities"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		entities, waiters := registrySnapshot()

		o.ObserveInt64(entitiesGauge, int64(entities))
		o.ObserveInt64(waitersGauge, int64(waiters))

		return nil
	}, entitiesGauge, waitersGauge)

	return err
}
