package catalog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycheckout/internal/catalog"
	"librarycheckout/internal/circulation"
	"librarycheckout/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddAndGetItem(t *testing.T) {
	ctx := context.Background()
	svc := catalog.NewService(openDB(t).DB, nil)

	added, err := svc.AddItem(ctx, " 978-0441013593 ", "Dune", "Frank Herbert")
	require.NoError(t, err)
	assert.Equal(t, "978-0441013593", added.ISBN)

	got, err := svc.GetItem(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, added.ID, got.ID)
	assert.Equal(t, "Dune", got.Title)
	assert.Equal(t, "Frank Herbert", got.Author)
	assert.WithinDuration(t, added.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = svc.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)

	_, err = svc.AddItem(ctx, "", "No ISBN", "")
	assert.ErrorIs(t, err, catalog.ErrInvalidItem)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	svc := catalog.NewService(openDB(t).DB, nil)
	for _, it := range [][2]string{
		{"Dune", "Frank Herbert"},
		{"Dune Messiah", "Frank Herbert"},
		{"Hyperion", "Dan Simmons"},
		{"100% Pure", "Someone"},
	} {
		_, err := svc.AddItem(ctx, "isbn-"+it[0], it[0], it[1])
		require.NoError(t, err)
	}

	items, err := svc.Search(ctx, "dune")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Dune", items[0].Title)

	items, err = svc.Search(ctx, "SIMMONS")
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = svc.Search(ctx, "0%")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "100% Pure", items[0].Title)

	items, err = svc.Search(ctx, "tolkien")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

// Items registered through the catalog can be lent out and render in listings.
func TestCatalogItemsCanBeCheckedOut(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	item, err := catalog.NewService(db.DB, nil).AddItem(ctx, "978-0553283686", "Hyperion", "Dan Simmons")
	require.NoError(t, err)

	circ := circulation.NewService(storage.NewCheckoutStore(db), nil, nil)
	borrower := circulation.BorrowerID{UUID: uuid.New()}
	_, err = circ.OpenCheckout(ctx, circulation.ItemID{UUID: item.ID}, borrower, time.Now())
	require.NoError(t, err)

	open, err := circ.ListOpenForBorrower(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, circulation.ItemSummary{Title: "Hyperion", Author: "Dan Simmons", ISBN: "978-0553283686"}, open[0].Item)
}

func TestHandler(t *testing.T) {
	r := chi.NewRouter()
	catalog.NewHandler(catalog.NewService(openDB(t).DB, nil)).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"isbn": "978-0441013593", "title": "Dune", "author": "Frank Herbert"})
	resp, err := http.Post(srv.URL+"/items", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var item catalog.Item
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))

	resp, err = http.Get(srv.URL + "/items/" + item.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/items/" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/items?q=dune")
	require.NoError(t, err)
	defer resp.Body.Close()
	var found []catalog.Item
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&found))
	assert.Len(t, found, 1)

	resp, err = http.Post(srv.URL+"/items", "application/json", bytes.NewReader([]byte(`{"title":""}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	huge, _ := json.Marshal(map[string]string{"isbn": "978-0441013593", "title": strings.Repeat("Dune ", 16<<10), "author": "Frank Herbert"})
	resp, err = http.Post(srv.URL+"/items", "application/json", bytes.NewReader(huge))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
