package circulation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycheckout/internal/circulation"
	"librarycheckout/internal/circulation/memstore"
)

func newTestServer(t *testing.T, svc circulation.Service, opts circulation.HandlerOptions) *httptest.Server {
	t.Helper()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	srv := httptest.NewServer(circulation.NewHandler(svc, nil, opts).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerCheckoutLifecycle(t *testing.T) {
	store := memstore.New()
	item := newItem(store, "Dune")
	borrower := newBorrower()
	srv := newTestServer(t, circulation.NewService(store, nil, nil), circulation.HandlerOptions{})

	resp := do(t, http.MethodPost, srv.URL+"/items/"+item.String()+"/checkouts",
		map[string]string{"borrower_id": borrower.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		CheckoutID string `json:"checkout_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_, err := uuid.Parse(created.CheckoutID)
	require.NoError(t, err)

	resp = do(t, http.MethodPost, srv.URL+"/items/"+item.String()+"/checkouts",
		map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/borrowers/"+borrower.String()+"/checkouts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine []circulation.Checkout
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	require.Len(t, mine, 1)
	assert.Equal(t, created.CheckoutID, mine[0].ID.String())
	assert.Equal(t, "Dune", mine[0].Item.Title)

	returnURL := fmt.Sprintf("%s/items/%s/checkouts/%s/returned", srv.URL, item, created.CheckoutID)
	resp = do(t, http.MethodPut, returnURL, map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(t, http.MethodPut, returnURL, map[string]string{"borrower_id": borrower.String()})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPut, returnURL, map[string]string{"borrower_id": borrower.String()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/items/"+item.String()+"/checkout-history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []circulation.Checkout
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].ReturnedAt)

	resp = do(t, http.MethodGet, srv.URL+"/checkouts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []circulation.Checkout
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	assert.Empty(t, all)
}

func TestHandlerBadRequests(t *testing.T) {
	store := memstore.New()
	item := newItem(store, "Dune")
	srv := newTestServer(t, circulation.NewService(store, nil, nil), circulation.HandlerOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad item id", http.MethodPost, "/items/nope/checkouts", map[string]string{"borrower_id": uuid.NewString()}, http.StatusBadRequest},
		{"missing borrower", http.MethodPost, "/items/" + item.String() + "/checkouts", map[string]string{}, http.StatusBadRequest},
		{"unknown item", http.MethodPost, "/items/" + uuid.NewString() + "/checkouts", map[string]string{"borrower_id": uuid.NewString()}, http.StatusNotFound},
		{"bad checkout id", http.MethodPut, "/items/" + item.String() + "/checkouts/nope/returned", map[string]string{"borrower_id": uuid.NewString()}, http.StatusBadRequest},
		{"bad borrower path", http.MethodGet, "/borrowers/nope/checkouts", nil, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/checkouts", nil, http.StatusMethodNotAllowed},
		{"oversized body", http.MethodPost, "/items/" + item.String() + "/checkouts",
			map[string]string{"borrower_id": uuid.NewString(), "padding": strings.Repeat("x", 8<<10)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

// conflictingService fails OpenCheckout with a serialization conflict a fixed
// number of times before delegating.
type conflictingService struct {
	circulation.Service
	conflicts int32
	calls     atomic.Int32
}

func (s *conflictingService) OpenCheckout(ctx context.Context, item circulation.ItemID, borrower circulation.BorrowerID, at time.Time) (circulation.CheckoutID, error) {
	if s.calls.Add(1) <= s.conflicts {
		return circulation.CheckoutID{}, fmt.Errorf("commit transaction: %w", circulation.ErrSerializationConflict)
	}
	return s.Service.OpenCheckout(ctx, item, borrower, at)
}

func TestHandlerRetriesConflicts(t *testing.T) {
	store := memstore.New()
	item := newItem(store, "Dune")
	svc := &conflictingService{Service: circulation.NewService(store, nil, nil), conflicts: 2}
	var retries atomic.Int32
	srv := newTestServer(t, svc, circulation.HandlerOptions{
		MaxAttempts: 3,
		OnRetry:     func(string) { retries.Add(1) },
	})

	resp := do(t, http.MethodPost, srv.URL+"/items/"+item.String()+"/checkouts",
		map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(3), svc.calls.Load())
	assert.Equal(t, int32(2), retries.Load())
}

func TestHandlerConflictExhausted(t *testing.T) {
	store := memstore.New()
	item := newItem(store, "Dune")
	svc := &conflictingService{Service: circulation.NewService(store, nil, nil), conflicts: 100}
	srv := newTestServer(t, svc, circulation.HandlerOptions{MaxAttempts: 2})

	resp := do(t, http.MethodPost, srv.URL+"/items/"+item.String()+"/checkouts",
		map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, int32(2), svc.calls.Load())
}

func TestHandlerDoesNotRetryRejections(t *testing.T) {
	store := memstore.New()
	item := newItem(store, "Dune")
	svc := &conflictingService{Service: circulation.NewService(store, nil, nil)}
	srv := newTestServer(t, svc, circulation.HandlerOptions{MaxAttempts: 5})

	_, err := svc.Service.OpenCheckout(context.Background(), item, newBorrower(), t0)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, srv.URL+"/items/"+item.String()+"/checkouts",
		map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestHandlerRateLimit(t *testing.T) {
	store := memstore.New()
	srv := newTestServer(t, circulation.NewService(store, nil, nil), circulation.HandlerOptions{
		RequestsPerSecond: 0.001,
		Burst:             1,
	})
	url := srv.URL + "/items/" + newItem(store, "Dune").String() + "/checkouts"

	resp := do(t, http.MethodPost, url, map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, url, map[string]string{"borrower_id": newBorrower().String()})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are not limited
	resp = do(t, http.MethodGet, srv.URL+"/checkouts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, circulation.StatusFor(circulation.ErrItemNotFound))
	assert.Equal(t, http.StatusConflict, circulation.StatusFor(circulation.ErrAlreadyCheckedOut))
	assert.Equal(t, http.StatusUnprocessableEntity, circulation.StatusFor(circulation.ErrCheckoutMismatch))
	assert.Equal(t, http.StatusServiceUnavailable, circulation.StatusFor(circulation.ErrSerializationConflict))
	assert.Equal(t, http.StatusInternalServerError, circulation.StatusFor(circulation.ErrPersistenceInconsistency))
	assert.Equal(t, http.StatusInternalServerError, circulation.StatusFor(circulation.ErrTransaction))
}
