package chaos_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycheckout/internal/catalog"
	"librarycheckout/internal/chaos"
	"librarycheckout/internal/circulation"
	"librarycheckout/internal/clients"
	"librarycheckout/internal/storage"
)

func newTarget(t *testing.T) (*clients.CirculationClient, *clients.CatalogClient) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "chaos.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := chi.NewRouter()
	catalog.NewHandler(catalog.NewService(db.DB, nil)).Register(r)
	svc := circulation.NewService(storage.NewCheckoutStore(db), nil, nil)
	circulation.NewHandler(svc, nil, circulation.HandlerOptions{MaxAttempts: 20}).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return clients.NewCirculationClient(srv.URL, srv.Client()), clients.NewCatalogClient(srv.URL, srv.Client())
}

func addItem(t *testing.T, cat *clients.CatalogClient, title string) circulation.ItemID {
	t.Helper()
	item, err := cat.AddItem(context.Background(), "isbn-"+title, title, "Anon")
	require.NoError(t, err)
	return circulation.ItemID{UUID: item.ID}
}

func TestGameDayAgainstHTTPService(t *testing.T) {
	ctx := context.Background()
	circ, cat := newTarget(t)

	engine := chaos.NewEngine(nil, 10*time.Millisecond)
	opts := chaos.ExperimentOptions{Concurrency: 16, Observe: 30 * time.Millisecond}
	engine.RegisterCirculationExperiments(circ, addItem(t, cat, "Dune"), addItem(t, cat, "Hyperion"), opts)

	results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "circulation races",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.HypothesisHeld, "%s: %v %v", r.Experiment, r.Failed, r.Errors)
		assert.NotEmpty(t, r.Observations["double_lent_items"])
	}
	assert.Len(t, engine.Results(), 2)

	// rollback returned everything
	open, err := circ.ListAllOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSteadyStateViolationSkipsMethod(t *testing.T) {
	ran := false
	engine := chaos.NewEngine(nil, time.Millisecond)
	result, err := engine.Run(context.Background(), chaos.Experiment{
		Name: "broken",
		SteadyState: []chaos.Probe{{
			Name:      "always_one",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: chaos.Threshold{Operator: "==", Value: 0},
		}},
		Method:   []chaos.Action{{Type: "noop", Execute: func(context.Context) error { ran = true; return nil }}},
		Duration: time.Millisecond,
	})
	require.ErrorIs(t, err, chaos.ErrSteadyStateInvalid)
	assert.False(t, ran)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, 1.0, result.Violations[0].Actual)
}

func TestRollbackRunsAfterFailedMethod(t *testing.T) {
	rolledBack := false
	value := 0.0
	engine := chaos.NewEngine(nil, time.Millisecond)
	result, err := engine.Run(context.Background(), chaos.Experiment{
		Name: "failing method",
		SteadyState: []chaos.Probe{{
			Name:      "value",
			Query:     func(context.Context) (float64, error) { return value, nil },
			Threshold: chaos.Threshold{Operator: "<", Value: 10},
		}},
		Method: []chaos.Action{{Type: "fault", Target: "db", Execute: func(context.Context) error {
			value = 5
			return errors.New("boom")
		}}},
		Rollback: []chaos.Action{{Type: "undo", Execute: func(context.Context) error { rolledBack = true; return nil }}},
		Validation: []chaos.Assertion{{
			Probe:     "value",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "value should stay zero",
		}},
		Duration: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"value should stay zero"}, result.Failed)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "db", result.Errors[0].Component)
}

func TestAssertionWithoutObservationsFails(t *testing.T) {
	engine := chaos.NewEngine(nil, time.Millisecond)
	result, err := engine.Run(context.Background(), chaos.Experiment{
		Name:       "missing probe",
		Validation: []chaos.Assertion{{Probe: "nope", Condition: func(float64) bool { return true }, Message: "nope"}},
		Duration:   time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
}

func TestThresholdHolds(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chaos.Threshold{Operator: tt.op, Value: 1}.Holds(tt.value), "%v %s 1", tt.value, tt.op)
	}
}

func TestInvariantCounters(t *testing.T) {
	item := circulation.ItemID{UUID: uuid.New()}
	other := circulation.ItemID{UUID: uuid.New()}
	returned := time.Now()
	a := circulation.CheckoutID{UUID: uuid.New()}
	b := circulation.CheckoutID{UUID: uuid.New()}

	assert.Equal(t, 0, chaos.DoubleLent([]circulation.Checkout{{ItemID: item}, {ItemID: other}}))
	assert.Equal(t, 1, chaos.DoubleLent([]circulation.Checkout{{ItemID: item}, {ItemID: item}, {ItemID: item}}))

	assert.Equal(t, 0, chaos.HistoryInconsistencies([]circulation.Checkout{{ID: a}, {ID: b, ReturnedAt: &returned}}))
	assert.Equal(t, 1, chaos.HistoryInconsistencies([]circulation.Checkout{{ID: a, ReturnedAt: &returned}, {ID: a, ReturnedAt: &returned}}))
	assert.Equal(t, 1, chaos.HistoryInconsistencies([]circulation.Checkout{{ID: a}, {ID: b}}))
}
