// Package persist moves merged document state between rooms and a store.
//
// Writes for one document are serialized; writes for different documents
// run in parallel. A flush whose snapshot matches the last durable one is
// skipped.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
	"collabtext/internal/store"
)

// ErrStorage wraps every backend failure.
var ErrStorage = errors.New("storage unavailable")

type digest [32]byte

type docLock struct {
	mu   sync.Mutex
	refs int
}

// Gateway loads and flushes document state.
type Gateway struct {
	store   store.Store
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	locks   map[string]*docLock
	durable map[string]digest
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithClock overrides time.Now for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway returns a Gateway writing to s.
func NewGateway(s store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:   s,
		log:     logrus.StandardLogger(),
		tracer:  otel.Tracer("collabtext/persist"),
		now:     time.Now,
		locks:   make(map[string]*docLock),
		durable: make(map[string]digest),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	return g
}

func (g *Gateway) lock(documentID string) func() {
	g.mu.Lock()
	l, ok := g.locks[documentID]
	if !ok {
		l = &docLock{}
		g.locks[documentID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, documentID)
		}
		g.mu.Unlock()
	}
}

// Load returns the last durable state of documentID, or nil if there is
// none.
func (g *Gateway) Load(ctx context.Context, documentID string) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "persist.Load", trace.WithAttributes(attribute.String(collablog.DocumentID, documentID)))
	defer span.End()

	unlock := g.lock(documentID)
	defer unlock()

	rec, err := g.store.Load(ctx, documentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		g.metrics.Loads.WithLabelValues(metrics.ResultError).Inc()
		return nil, errors.Wrapf(ErrStorage, "load %s failed: %v", documentID, err)
	}
	if rec == nil || len(rec.State) == 0 {
		g.metrics.Loads.WithLabelValues(metrics.ResultEmpty).Inc()
		return nil, nil
	}

	g.mu.Lock()
	g.durable[documentID] = blake3.Sum256(rec.State)
	g.mu.Unlock()
	g.metrics.Loads.WithLabelValues(metrics.ResultOK).Inc()
	return rec.State, nil
}

// Flush writes state as the durable state of documentID. It returns nil
// without writing when state equals the last durable snapshot.
func (g *Gateway) Flush(ctx context.Context, documentID string, state []byte) error {
	ctx, span := g.tracer.Start(ctx, "persist.Flush", trace.WithAttributes(
		attribute.String(collablog.DocumentID, documentID),
		attribute.Int("state_bytes", len(state)),
	))
	defer span.End()

	unlock := g.lock(documentID)
	defer unlock()

	sum := blake3.Sum256(state)
	g.mu.Lock()
	last, ok := g.durable[documentID]
	g.mu.Unlock()
	if ok && last == sum {
		g.metrics.Flushes.WithLabelValues(metrics.ResultSkipped).Inc()
		return nil
	}

	start := time.Now()
	err := g.store.Save(ctx, documentID, state, g.now())
	g.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		g.metrics.Flushes.WithLabelValues(metrics.ResultError).Inc()
		return errors.Wrapf(ErrStorage, "flush %s failed: %v", documentID, err)
	}

	g.mu.Lock()
	g.durable[documentID] = sum
	g.mu.Unlock()
	g.metrics.Flushes.WithLabelValues(metrics.ResultOK).Inc()
	g.log.WithField(collablog.DocumentID, documentID).WithField("bytes", len(state)).Debug("state flushed")
	return nil
}

// Forget drops the cached digest of an evicted document.
func (g *Gateway) Forget(documentID string) {
	g.mu.Lock()
	delete(g.durable, documentID)
	g.mu.Unlock()
}
