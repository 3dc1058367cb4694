package clients

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycheckout/internal/catalog"
	"librarycheckout/internal/circulation"
	"librarycheckout/internal/storage"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "library.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := chi.NewRouter()
	catalog.NewHandler(catalog.NewService(db.DB, nil)).Register(r)
	svc := circulation.NewService(storage.NewCheckoutStore(db), nil, nil)
	circulation.NewHandler(svc, nil, circulation.HandlerOptions{}).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientsRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	cat := NewCatalogClient(srv.URL, srv.Client())
	circ := NewCirculationClient(srv.URL, srv.Client())

	item, err := cat.AddItem(ctx, "978-0441013593", "Dune", "Frank Herbert")
	require.NoError(t, err)
	got, err := cat.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)

	_, err = cat.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)

	itemID := circulation.ItemID{UUID: item.ID}
	borrower := circulation.BorrowerID{UUID: uuid.New()}

	checkoutID, err := circ.OpenCheckout(ctx, itemID, borrower)
	require.NoError(t, err)

	_, err = circ.OpenCheckout(ctx, itemID, circulation.BorrowerID{UUID: uuid.New()})
	assert.ErrorIs(t, err, circulation.ErrAlreadyCheckedOut)

	mine, err := circ.ListOpenForBorrower(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, checkoutID, mine[0].ID)
	assert.Equal(t, "Frank Herbert", mine[0].Item.Author)

	err = circ.CloseCheckout(ctx, checkoutID, itemID, circulation.BorrowerID{UUID: uuid.New()})
	assert.ErrorIs(t, err, circulation.ErrCheckoutMismatch)

	require.NoError(t, circ.CloseCheckout(ctx, checkoutID, itemID, borrower))

	err = circ.CloseCheckout(ctx, checkoutID, itemID, borrower)
	assert.ErrorIs(t, err, circulation.ErrItemNotFound)

	all, err := circ.ListAllOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	history, err := circ.HistoryForItem(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Returned())
}

func TestCirculationClientUnknownItem(t *testing.T) {
	srv := newServer(t)
	circ := NewCirculationClient(srv.URL, nil)

	_, err := circ.OpenCheckout(context.Background(), circulation.ItemID{UUID: uuid.New()}, circulation.BorrowerID{UUID: uuid.New()})
	assert.ErrorIs(t, err, circulation.ErrItemNotFound)
}
