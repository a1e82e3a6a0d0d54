package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"drugnet/metrics"
)

// Namespaces mit eigener TTL.
const (
	NamespaceRxNorm      = "rxnorm"
	NamespaceOpenFDA     = "openfda"
	NamespaceInteraction = "interaction"
	NamespaceSearch      = "search"
)

// DefaultTTLs ist die TTL-Tabelle, mit der der Service ohne weitere Angaben startet.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		NamespaceRxNorm:      24 * time.Hour,
		NamespaceOpenFDA:     12 * time.Hour,
		NamespaceInteraction: 2 * time.Hour,
		NamespaceSearch:      30 * time.Minute,
	}
}

const fallbackTTL = time.Hour

// Loader lädt einen Wert bei Cache-Miss.
type Loader func(ctx context.Context) ([]byte, error)

// Service kapselt den geteilten Antwort-Cache. Er wird einmal pro Prozess erzeugt
// und beim Shutdown mit Close geschlossen; Zugriffe laufen nur über Schlüssel.
type Service struct {
	store  Store
	prefix string
	logger *zap.Logger

	mu   sync.RWMutex
	ttls map[string]time.Duration

	group singleflight.Group
}

// NewService erstellt den Cache-Service. ttls ergänzt bzw. überschreibt DefaultTTLs.
func NewService(store Store, prefix string, ttls map[string]time.Duration, logger *zap.Logger) *Service {
	table := DefaultTTLs()
	for ns, ttl := range ttls {
		table[ns] = ttl
	}
	if prefix == "" {
		prefix = "drugnet"
	}
	return &Service{store: store, prefix: prefix, ttls: table, logger: logger}
}

// SetTTL setzt die TTL für einen Namespace, z.B. aus der Quellen-Konfiguration.
func (s *Service) SetTTL(namespace string, ttl time.Duration) {
	s.mu.Lock()
	s.ttls[namespace] = ttl
	s.mu.Unlock()
}

// TTL liefert die TTL eines Namespace.
func (s *Service) TTL(namespace string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ttl, ok := s.ttls[namespace]; ok {
		return ttl
	}
	return fallbackTTL
}

// Key bildet den Speicher-Schlüssel aus Namespace und bereits normalisierten Teilen.
func (s *Service) Key(namespace string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return s.prefix + ":" + namespace + ":" + hex.EncodeToString(sum[:16])
}

// Get liest einen Eintrag. Backend-Fehler werden als Miss behandelt.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return val, ok
}

// Set schreibt einen Eintrag mit der TTL des Namespace.
func (s *Service) Set(ctx context.Context, namespace, key string, value []byte) error {
	return s.store.Set(ctx, key, value, s.TTL(namespace))
}

// GetOrLoad liefert den gecachten Wert oder lädt ihn genau einmal, auch wenn
// mehrere Aufrufer gleichzeitig denselben Schlüssel anfragen. Fehler werden nicht gecacht.
func (s *Service) GetOrLoad(ctx context.Context, namespace, key string, load Loader) ([]byte, error) {
	log := s.logger.With(zap.String("namespace", namespace), zap.String("key", key))

	if val, ok := s.Get(ctx, key); ok {
		log.Debug("Cache hit")
		metrics.CacheLookups.WithLabelValues(namespace, "hit").Inc()
		return val, nil
	}

	// Der gemeinsame Ladevorgang darf nicht am Abbruch eines einzelnen Wartenden scheitern.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if val, ok := s.Get(loadCtx, key); ok {
			return val, nil
		}
		log.Debug("Cache miss, loading")
		val, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := s.store.Set(loadCtx, key, val, s.TTL(namespace)); err != nil {
			log.Warn("Cache write failed", zap.Error(err))
		}
		return val, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.CacheLookups.WithLabelValues(namespace, "shared").Inc()
		} else {
			metrics.CacheLookups.WithLabelValues(namespace, "miss").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Flush entfernt alle Einträge dieses Service bzw. eines Namespace.
func (s *Service) Flush(ctx context.Context, namespace string) (int, error) {
	prefix := s.prefix + ":"
	if namespace != "" {
		prefix += namespace + ":"
	}
	n, err := s.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return n, err
	}
	s.logger.Info("Cache flushed", zap.String("prefix", prefix), zap.Int("deleted", n))
	return n, nil
}

// Close schließt das Backend.
func (s *Service) Close() error {
	return s.store.Close()
}
