// Package records publishes records to a graph store and watches them by address.
//
// Every record delivered by this package has been verified:
// its content hashes to the address it was requested under.
// Content that fails verification is reported exactly as a missing record is,
// with a nil *dist.Record.
package records

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/identity"
	"github.com/bobg/dist/metrics"
)

// Service publishes and watches records in a graph store.
// It is safe for concurrent use.
type Service struct {
	g       graph.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	id      *identity.Identity
	now     func() time.Time
}

// Option is an option to New.
type Option func(*Service)

// WithLogger sets the logger of a Service.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics of a Service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIdentity sets the identity that owns the records a Service publishes.
// Without one, published records are not added to any index.
func WithIdentity(id *identity.Identity) Option {
	return func(s *Service) {
		s.id = id
	}
}

// WithClock sets the clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New produces a new Service on g.
func New(g graph.Store, opts ...Option) *Service {
	s := &Service{
		g:      g,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity is the identity the Service publishes as, or nil.
func (s *Service) Identity() *identity.Identity {
	return s.id
}

// Publish stores a new record and returns its address.
// If the Service has an identity,
// the record is also added to that identity's index.
//
// Publishing content that already exists
// keeps the existing record's creation time
// and still (re)adds it to the index.
func (s *Service) Publish(ctx context.Context, description string, files []dist.File) (dist.Address, error) {
	fm, err := dist.FileMap(files)
	if err != nil {
		return "", err
	}

	var (
		addr = dist.DeriveAddress(description, fm)
		now  = s.now().UnixNano() / int64(time.Millisecond)
	)

	if existing, err := s.fetch(ctx, addr); err == nil && existing != nil {
		now = existing.CreatedAt
	}

	rec := &dist.Record{
		Address:     addr,
		Description: description,
		Files:       fm,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.id != nil {
		rec.Owner = s.id.Pub
	}
	fields, err := rec.Fields()
	if err != nil {
		return "", err
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return errors.Wrapf(s.g.Put(ectx, string(addr), fields), "storing record %s", addr)
	})
	if s.id != nil {
		entry := dist.IndexEntry{
			Address:         addr,
			Description:     description,
			CreatedAt:       now,
			FilenamePreview: files[0].Filename,
		}
		key := s.id.IndexKey(addr)
		eg.Go(func() error {
			return errors.Wrapf(s.g.Put(ectx, key, entry.Fields()), "storing index entry %s", key)
		})
	}
	if err = eg.Wait(); err != nil {
		if errors.Is(err, graph.ErrClosed) {
			return "", errors.Wrap(dist.ErrNotReady, err.Error())
		}
		return "", err
	}

	s.metrics.RecordPublished()
	s.logger.Info("published record", zap.String("address", string(addr)), zap.Int("files", len(fm)))
	return addr, nil
}

// Fetches and verifies the current record at addr, without a subscription.
// A nil record with a nil error means absent or tampered.
func (s *Service) fetch(ctx context.Context, addr dist.Address) (*dist.Record, error) {
	n, err := s.g.Get(ctx, string(addr))
	if errors.Is(err, dist.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, _ := s.verify(addr, n)
	return rec, nil
}

// Get returns the record at addr.
// It returns dist.ErrNotFound if there is none,
// or if the content at addr fails verification.
func (s *Service) Get(ctx context.Context, addr dist.Address) (*dist.Record, error) {
	w, err := s.Watch(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-w.Updates():
		if !ok || rec == nil {
			return nil, errors.Wrapf(dist.ErrNotFound, "record %s", addr)
		}
		return rec, nil
	}
}

// Turns one raw delivery into a verified record, or nil.
// The second result is the delivery's metrics label.
func (s *Service) verify(addr dist.Address, n graph.Node) (*dist.Record, string) {
	if n == nil {
		return nil, metrics.Absent
	}

	rec, err := dist.RecordFromFields(n)
	if err != nil {
		s.logger.Warn("decoding record", zap.String("address", string(addr)), zap.Error(err))
	}

	verified, err := dist.Verify(addr, rec)
	if err != nil {
		var ierr *dist.IntegrityError
		if errors.As(err, &ierr) {
			fields := []zap.Field{zap.String("address", string(ierr.Claimed))}
			if ierr.Reason != "" {
				fields = append(fields, zap.String("reason", ierr.Reason))
			} else {
				fields = append(fields, zap.String("computed", string(ierr.Computed)))
			}
			s.logger.Warn("integrity mismatch", fields...)
		}
		return nil, metrics.Rejected
	}
	return verified, metrics.Verified
}
