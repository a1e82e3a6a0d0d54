package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"drugnet/cache"
	"drugnet/metrics"
)

// Resilient umhüllt eine Source mit Retry, Antwort-Cache und Single-Flight.
// "Kein Treffer" wird hier zu einem leeren, erfolgreichen Ergebnis.
type Resilient struct {
	Inner  Source
	Cache  *cache.Service
	Policy RetryPolicy
	Logger *zap.Logger
}

// NewResilient erstellt den Wrapper. Eine positive ttl überschreibt die TTL des
// Namespace der Quelle im Cache-Service.
func NewResilient(inner Source, c *cache.Service, policy RetryPolicy, ttl time.Duration, logger *zap.Logger) *Resilient {
	if c != nil && ttl > 0 {
		c.SetTTL(inner.Name(), ttl)
	}
	return &Resilient{Inner: inner, Cache: c, Policy: policy, Logger: logger}
}

// Name gibt den Namen der inneren Quelle zurück.
func (r *Resilient) Name() string {
	return r.Inner.Name()
}

// Fetch liefert Zeilen aus dem Cache oder von der Quelle.
func (r *Resilient) Fetch(ctx context.Context, q Query) ([]Row, error) {
	name := r.Name()
	q.Term = DecodeTerm(q.Term)
	log := r.Logger.With(zap.String("source", name), zap.String("term", q.Term), zap.Strings("substances", q.Substances))

	rows, err := r.fetchCached(ctx, q, log)
	if err != nil {
		if IsNotFound(err) {
			log.Warn("Source reported no match, continuing with empty result", zap.Error(err))
			metrics.SourceFetches.WithLabelValues(name, string(KindNotFound)).Inc()
			return []Row{}, nil
		}
		var ae *AdapterError
		if !errors.As(err, &ae) {
			ae = FromTransport(name, err)
		}
		metrics.SourceFetches.WithLabelValues(name, string(ae.Kind)).Inc()
		return nil, ae
	}
	metrics.SourceFetches.WithLabelValues(name, "ok").Inc()
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

func (r *Resilient) fetchCached(ctx context.Context, q Query, log *zap.Logger) ([]Row, error) {
	if r.Cache == nil {
		return r.fetchWithRetry(ctx, q, log)
	}

	key := r.Cache.Key(r.Name(), q.Normalized()...)
	data, err := r.Cache.GetOrLoad(ctx, r.Name(), key, func(ctx context.Context) ([]byte, error) {
		rows, err := r.fetchWithRetry(ctx, q, log)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		log.Warn("Corrupt cache entry, fetching directly", zap.String("key", key), zap.Error(err))
		return r.fetchWithRetry(ctx, q, log)
	}
	return rows, nil
}

func (r *Resilient) fetchWithRetry(ctx context.Context, q Query, log *zap.Logger) ([]Row, error) {
	policy := r.Policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("Transient source failure, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		metrics.SourceRetries.WithLabelValues(r.Name()).Inc()
	}
	return Retry(ctx, policy, func(ctx context.Context) ([]Row, error) {
		return r.Inner.Fetch(ctx, q)
	})
}
