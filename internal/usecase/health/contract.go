package health

import "context"

// DBPinger checks status store availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// ComparatorChecker checks similarity comparator availability.
type ComparatorChecker interface {
	HealthCheck(ctx context.Context) error
}
