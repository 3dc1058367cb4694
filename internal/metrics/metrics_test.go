package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycheckout/internal/circulation"
	"librarycheckout/internal/circulation/memstore"
)

func TestServiceOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := memstore.New()
	svc := circulation.NewService(store, nil, m)

	item := circulation.ItemID{UUID: uuid.New()}
	store.AddItem(item, circulation.ItemSummary{Title: "Dune"})
	ctx := context.Background()

	_, err := svc.OpenCheckout(ctx, item, circulation.BorrowerID{UUID: uuid.New()}, time.Now())
	require.NoError(t, err)
	_, err = svc.OpenCheckout(ctx, item, circulation.BorrowerID{UUID: uuid.New()}, time.Now())
	require.Error(t, err)
	_, err = svc.OpenCheckout(ctx, circulation.ItemID{UUID: uuid.New()}, circulation.BorrowerID{UUID: uuid.New()}, time.Now())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("open", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("open", "already_checked_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("open", "item_not_found")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationLatency))
}

func TestRelayAndRetryCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRetry("open")
	m.ObserveRetry("open")
	m.EventsPublished(3)
	m.PublishFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("open")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsRelayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayFailures))
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
