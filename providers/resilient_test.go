package providers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"drugnet/cache"
)

type fakeSource struct {
	name  string
	calls int32
	fetch func(call int32, q Query) ([]Row, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, q Query) ([]Row, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.fetch(n, q)
}

func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func newCache() *cache.Service {
	return cache.NewService(cache.NewMemoryStore(), "test", nil, zap.NewNop())
}

func TestRetryStopsOnClientFault(t *testing.T) {
	var calls int
	_, err := Retry(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, FromStatus("x", http.StatusBadRequest, "bad query")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindClientFault, KindOf(err))
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	var waits []time.Duration
	p := fastPolicy()
	p.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }

	_, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, FromStatus("x", http.StatusBadGateway, "")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	assert.True(t, IsRetryable(err))
}

func TestRetryRecovers(t *testing.T) {
	var calls int
	v, err := Retry(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", FromTransport("x", errors.New("connection reset by peer"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestFromStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusNotFound:            KindNotFound,
		http.StatusTooManyRequests:     KindTransient,
		http.StatusServiceUnavailable:  KindTransient,
		http.StatusInternalServerError: KindTransient,
		http.StatusBadRequest:          KindClientFault,
		http.StatusForbidden:           KindClientFault,
	}
	for status, want := range cases {
		assert.Equal(t, want, FromStatus("x", status, "").Kind, "status %d", status)
	}
	assert.Equal(t, KindClientFault, FromTransport("x", context.Canceled).Kind)
	assert.Equal(t, KindTransient, FromTransport("x", context.DeadlineExceeded).Kind)
}

func TestResilientNotFoundIsEmptySuccess(t *testing.T) {
	src := &fakeSource{name: "openfda", fetch: func(int32, Query) ([]Row, error) {
		return nil, FromStatus("openfda", http.StatusNotFound, `{"error":{"code":"NOT_FOUND"}}`)
	}}
	core, logs := observer.New(zap.InfoLevel)
	r := NewResilient(src, newCache(), fastPolicy(), 0, zap.New(core))

	rows, err := r.Fetch(context.Background(), Query{Substances: []string{"unobtainium"}})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Equal(t, int32(1), src.calls, "not found must not be retried")

	warned := logs.FilterMessage("Source reported no match, continuing with empty result").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, "openfda", warned[0].ContextMap()["source"])
	assert.Equal(t, []interface{}{"unobtainium"}, warned[0].ContextMap()["substances"])

	// nicht gecacht: zweiter Aufruf geht erneut zur Quelle
	_, err = r.Fetch(context.Background(), Query{Substances: []string{"unobtainium"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls)
}

func TestResilientCachesByNormalizedQuery(t *testing.T) {
	src := &fakeSource{name: "openfda", fetch: func(int32, Query) ([]Row, error) {
		return []Row{{Source: "openfda", RecordID: "1", SubstanceNames: []string{"WARFARIN"}}}, nil
	}}
	r := NewResilient(src, newCache(), fastPolicy(), time.Hour, zap.NewNop())

	first, err := r.Fetch(context.Background(), Query{Substances: []string{"Warfarin", "aspirin"}, Limit: 10})
	require.NoError(t, err)
	second, err := r.Fetch(context.Background(), Query{Substances: []string{" aspirin", "WARFARIN "}, Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls)

	_, err = r.Fetch(context.Background(), Query{Substances: []string{"warfarin"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls)
}

func TestResilientDecodesTerm(t *testing.T) {
	var seen string
	src := &fakeSource{name: "openfda", fetch: func(_ int32, q Query) ([]Row, error) {
		seen = q.Term
		return nil, nil
	}}
	r := NewResilient(src, nil, fastPolicy(), 0, zap.NewNop())

	rows, err := r.Fetch(context.Background(), Query{Term: "openfda.substance_name%3A%22ASPIRIN%22+OR+x"})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, `openfda.substance_name:"ASPIRIN" OR x`, seen)
}

func TestResilientSurfacesExhaustedTransient(t *testing.T) {
	src := &fakeSource{name: "rxnorm", fetch: func(int32, Query) ([]Row, error) {
		return nil, FromStatus("rxnorm", http.StatusServiceUnavailable, "down")
	}}
	r := NewResilient(src, newCache(), fastPolicy(), 0, zap.NewNop())

	_, err := r.Fetch(context.Background(), Query{Term: "aspirin"})
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindTransient, ae.Kind)
	assert.Equal(t, int32(3), src.calls)
}

func TestResilientSingleFlight(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{name: "openfda", fetch: func(int32, Query) ([]Row, error) {
		<-release
		return []Row{{RecordID: "x"}}, nil
	}}
	r := NewResilient(src, newCache(), fastPolicy(), 0, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := r.Fetch(context.Background(), Query{Substances: []string{"aspirin"}})
			assert.NoError(t, err)
			assert.Len(t, rows, 1)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), src.calls)
}
