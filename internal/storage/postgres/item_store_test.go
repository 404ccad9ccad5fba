package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlkit/internal/storage"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func TestWriteBatchInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewItemStoreWithPool(mock, "crawl_items", fixedIDs{id: "generated"}, func() time.Time { return now })
	require.NoError(t, err)

	items := []storage.Item{
		{Collection: "products", ID: "sku-1", Fields: map[string]any{"name": "widget", "price": 3}},
		{Collection: "products", Fields: map[string]any{"name": "gadget"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs("products", "sku-1", []byte(`{"name":"widget","price":3}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs("products", "generated", []byte(`{"name":"gadget"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	location, err := store.WriteBatch(context.Background(), "products", items)
	require.NoError(t, err)
	require.Equal(t, "postgres://crawl_items/products", location)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "", nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs("pages", "p1", []byte(`{"title":"x"}`), pgxmock.AnyArg()).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err = store.WriteBatch(context.Background(), "pages", []storage.Item{
		{Collection: "pages", ID: "p1", Fields: map[string]any{"title": "x"}},
	})
	require.ErrorContains(t, err, "insert item p1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRequiresIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "items", nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err = store.WriteBatch(context.Background(), "pages", []storage.Item{{Collection: "pages"}})
	require.ErrorContains(t, err, "no id")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewItemStoreWithPool(mock, "items; DROP TABLE x", nil, nil)
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewItemStoreWithPool(nil, "items", nil, nil)
	require.Error(t, err)
	_, err = NewItemStore(context.Background(), Config{}, nil)
	require.ErrorContains(t, err, "database.dsn is required")
}
