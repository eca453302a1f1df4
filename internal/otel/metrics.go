package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all RunForge metric instruments.
type Metrics struct {
	IngestDuration  metric.Float64Histogram
	EventsIngested  metric.Int64Counter
	CommitDuration  metric.Float64Histogram
	SweepDuration   metric.Float64Histogram
	TasksDeleted    metric.Int64Counter
	CascadeErrors   metric.Int64Counter
	LeasesAcquired  metric.Int64Counter
	LeasesRejected  metric.Int64Counter
	SearchDuration  metric.Float64Histogram
	ChunksIndexed   metric.Int64Counter
	ArtifactWrites  metric.Int64Counter
	ArtifactDeletes metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("runforge.ingest.duration",
		metric.WithDescription("Structured event ingest duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsIngested, err = meter.Int64Counter("runforge.ingest.events",
		metric.WithDescription("Structured events ingested"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitDuration, err = meter.Float64Histogram("runforge.session.commit.duration",
		metric.WithDescription("Unit-of-work commit duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("runforge.retention.sweep.duration",
		metric.WithDescription("Retention sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeleted, err = meter.Int64Counter("runforge.retention.tasks_deleted",
		metric.WithDescription("Tasks removed by cascade delete"),
	)
	if err != nil {
		return nil, err
	}

	m.CascadeErrors, err = meter.Int64Counter("runforge.retention.cascade_errors",
		metric.WithDescription("Best-effort cascade cleanup failures"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesAcquired, err = meter.Int64Counter("runforge.lease.acquired",
		metric.WithDescription("Successful lease acquisitions"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesRejected, err = meter.Int64Counter("runforge.lease.rejected",
		metric.WithDescription("Lease acquisitions refused because another owner holds the lease"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchDuration, err = meter.Float64Histogram("runforge.search.duration",
		metric.WithDescription("Semantic search query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksIndexed, err = meter.Int64Counter("runforge.search.chunks_indexed",
		metric.WithDescription("Semantic chunks upserted into the index"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactWrites, err = meter.Int64Counter("runforge.artifacts.writes",
		metric.WithDescription("Binary artifacts stored"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactDeletes, err = meter.Int64Counter("runforge.artifacts.deletes",
		metric.WithDescription("Binary artifacts removed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
