// Package lease implements named, owned, time-boxed leases for distributed
// mutual exclusion of singleton jobs. At most one live owner exists per lease
// name at any instant; the coordinator serializes its own check-and-write
// under a coordinator mutex, so the compare on owner and expiry and the
// granting write are one atomic step with respect to other coordinator calls
// in the process.
//
// Expiry is by timestamp, not fencing token: a holder that outlives its TTL
// can race the next owner, so callers size TTLs conservatively and re-check
// ownership before externally visible side effects.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
)

// ErrInvalidLease signals a blank lease name or owner, or a non-positive TTL.
var ErrInvalidLease = errors.New("lease: invalid lease parameters")

// Coordinator acquires, renews, and releases leases against the store. The
// mutex spans each operation's read and write so two callers cannot both
// observe a free lease and both be granted it.
type Coordinator struct {
	mu      sync.Mutex
	engine  *docstore.Engine
	now     func() time.Time
	logger  *slog.Logger
	metrics *otelx.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the coordinator's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator builds a Coordinator over the engine.
func NewCoordinator(engine *docstore.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" {
		return errors.Join(ErrInvalidLease, errors.New("name and owner are required"))
	}
	if ttl <= 0 {
		return errors.Join(ErrInvalidLease, errors.New("ttl must be positive"))
	}
	return nil
}

// TryAcquire attempts to take the named lease for owner. It succeeds when no
// lease exists, when the caller already owns it (refreshing expiry), or when
// the existing lease has expired — an expired lease is fair game for any
// acquirer. Otherwise it fails without mutation.
func (c *Coordinator) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.engine.NewSession()
	existing, ok, err := docstore.SessionGet[model.Lease](ctx, s, name)
	if err != nil {
		return false, err
	}
	now := c.now()
	if ok && existing.OwnerID != owner && existing.ExpiresAt.After(now) {
		if c.metrics != nil {
			c.metrics.LeasesRejected.Add(ctx, 1)
		}
		return false, nil
	}

	granted := model.Lease{Name: name, OwnerID: owner, ExpiresAt: now.Add(ttl)}
	if err := docstore.SessionPut(ctx, s, granted); err != nil {
		return false, err
	}
	if err := s.Commit(ctx); err != nil {
		return false, err
	}
	if ok && existing.OwnerID != owner {
		c.logger.Info("lease taken over from expired owner",
			"lease", name, "owner", owner, "previous_owner", existing.OwnerID)
	}
	if c.metrics != nil {
		c.metrics.LeasesAcquired.Add(ctx, 1)
	}
	return true, nil
}

// Renew extends the lease only when (name, owner) matches the current holder
// exactly. Expired-but-still-matching leases renew; a stolen or missing lease
// does not.
func (c *Coordinator) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.engine.NewSession()
	existing, ok, err := docstore.SessionGet[model.Lease](ctx, s, name)
	if err != nil {
		return false, err
	}
	if !ok || existing.OwnerID != owner {
		return false, nil
	}
	existing.ExpiresAt = c.now().Add(ttl)
	if err := docstore.SessionPut(ctx, s, existing); err != nil {
		return false, err
	}
	if err := s.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the lease only when (name, owner) matches. Releasing a
// lease you do not own is a silent no-op.
func (c *Coordinator) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return errors.Join(ErrInvalidLease, errors.New("name and owner are required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.engine.NewSession()
	existing, ok, err := docstore.SessionGet[model.Lease](ctx, s, name)
	if err != nil {
		return err
	}
	if !ok || existing.OwnerID != owner {
		return nil
	}
	if _, err := docstore.SessionRemove[model.Lease](ctx, s, name); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// Holder returns the current owner of the named lease if one is live.
func (c *Coordinator) Holder(ctx context.Context, name string) (string, bool, error) {
	existing, ok, err := docstore.Get[model.Lease](ctx, c.engine, name)
	if err != nil || !ok {
		return "", false, err
	}
	if !existing.ExpiresAt.After(c.now()) {
		return "", false, nil
	}
	return existing.OwnerID, true, nil
}
