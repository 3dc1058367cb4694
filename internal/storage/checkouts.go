package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"librarycheckout/internal/circulation"
)

// CheckoutStore implements circulation.Store on top of DB.
type CheckoutStore struct {
	db *DB
}

func NewCheckoutStore(db *DB) *CheckoutStore {
	return &CheckoutStore{db: db}
}

var _ circulation.Store = (*CheckoutStore)(nil)

// checkoutRow is the joined shape of a checkout and its item.
type checkoutRow struct {
	CheckoutID   uuid.UUID    `db:"checkout_id"`
	ItemID       uuid.UUID    `db:"item_id"`
	BorrowerID   uuid.UUID    `db:"borrower_id"`
	CheckedOutAt time.Time    `db:"checked_out_at"`
	ReturnedAt   sql.NullTime `db:"returned_at"`
	Title        string       `db:"title"`
	Author       string       `db:"author"`
	ISBN         string       `db:"isbn"`
}

func (r checkoutRow) checkout() circulation.Checkout {
	c := circulation.Checkout{
		ID:           circulation.CheckoutID{UUID: r.CheckoutID},
		ItemID:       circulation.ItemID{UUID: r.ItemID},
		BorrowerID:   circulation.BorrowerID{UUID: r.BorrowerID},
		CheckedOutAt: r.CheckedOutAt.UTC(),
		Item:         circulation.ItemSummary{Title: r.Title, Author: r.Author, ISBN: r.ISBN},
	}
	if r.ReturnedAt.Valid {
		returnedAt := r.ReturnedAt.Time.UTC()
		c.ReturnedAt = &returnedAt
	}
	return c
}

func checkouts(rows []checkoutRow) []circulation.Checkout {
	out := make([]circulation.Checkout, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.checkout())
	}
	return out
}

const selectOpen = `
SELECT c.checkout_id, c.item_id, c.borrower_id, c.checked_out_at, i.title, i.author, i.isbn
FROM open_checkouts AS c
INNER JOIN items AS i ON i.item_id = c.item_id`

func (s *CheckoutStore) FindOpenAll(ctx context.Context) ([]circulation.Checkout, error) {
	var rows []checkoutRow
	err := s.query(ctx, "storage.find_open_all", &rows, selectOpen+`
ORDER BY c.checked_out_at ASC`)
	if err != nil {
		return nil, err
	}
	return checkouts(rows), nil
}

func (s *CheckoutStore) FindOpenByBorrower(ctx context.Context, borrowerID circulation.BorrowerID) ([]circulation.Checkout, error) {
	var rows []checkoutRow
	err := s.query(ctx, "storage.find_open_by_borrower", &rows, selectOpen+`
WHERE c.borrower_id = ?
ORDER BY c.checked_out_at ASC`, borrowerID)
	if err != nil {
		return nil, err
	}
	return checkouts(rows), nil
}

func (s *CheckoutStore) FindOpenByItem(ctx context.Context, itemID circulation.ItemID) (*circulation.Checkout, error) {
	var rows []checkoutRow
	err := s.query(ctx, "storage.find_open_by_item", &rows, selectOpen+`
WHERE c.item_id = ?`, itemID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	c := rows[0].checkout()
	return &c, nil
}

func (s *CheckoutStore) FindClosedByItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.Checkout, error) {
	var rows []checkoutRow
	err := s.query(ctx, "storage.find_closed_by_item", &rows, `
SELECT r.checkout_id, r.item_id, r.borrower_id, r.checked_out_at, r.returned_at, i.title, i.author, i.isbn
FROM closed_checkouts AS r
INNER JOIN items AS i ON i.item_id = r.item_id
WHERE r.item_id = ?
ORDER BY r.checked_out_at DESC`, itemID)
	if err != nil {
		return nil, err
	}
	return checkouts(rows), nil
}

func (s *CheckoutStore) query(ctx context.Context, name string, dest any, query string, args ...any) error {
	ctx, span := s.db.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("db.system", s.db.dialect.name)),
	)
	defer span.End()

	if err := s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classify(name, err)
	}
	return nil
}

// BeginSerializable starts a SERIALIZABLE transaction.
func (s *CheckoutStore) BeginSerializable(ctx context.Context) (circulation.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	return &checkoutTx{tx: tx, db: s.db}, nil
}

type checkoutTx struct {
	tx *sqlx.Tx
	db *DB
}

type itemStateRow struct {
	ItemID       uuid.UUID     `db:"item_id"`
	CheckoutID   uuid.NullUUID `db:"checkout_id"`
	BorrowerID   uuid.NullUUID `db:"borrower_id"`
	CheckedOutAt sql.NullTime  `db:"checked_out_at"`
}

// ItemState reads the item and its open checkout with one outer join so that
// the serializable snapshot covers both.
func (t *checkoutTx) ItemState(ctx context.Context, itemID circulation.ItemID) (*circulation.ItemState, error) {
	var row itemStateRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(`
SELECT i.item_id, c.checkout_id, c.borrower_id, c.checked_out_at
FROM items AS i
LEFT OUTER JOIN open_checkouts AS c ON c.item_id = i.item_id
WHERE i.item_id = ?`), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read item state", err)
	}

	state := &circulation.ItemState{ItemID: circulation.ItemID{UUID: row.ItemID}}
	if row.CheckoutID.Valid {
		state.Open = &circulation.OpenCheckout{
			CheckoutID:   circulation.CheckoutID{UUID: row.CheckoutID.UUID},
			ItemID:       state.ItemID,
			BorrowerID:   circulation.BorrowerID{UUID: row.BorrowerID.UUID},
			CheckedOutAt: row.CheckedOutAt.Time.UTC(),
		}
	}
	return state, nil
}

func (t *checkoutTx) InsertOpen(ctx context.Context, oc circulation.OpenCheckout) (int64, error) {
	res, err := t.tx.NamedExecContext(ctx, `
INSERT INTO open_checkouts (checkout_id, item_id, borrower_id, checked_out_at)
VALUES (:checkout_id, :item_id, :borrower_id, :checked_out_at)`, oc)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert open checkout: %w: %w", circulation.ErrAlreadyCheckedOut, err)
		}
		return 0, classify("insert open checkout", err)
	}
	return rowsAffected(res)
}

func (t *checkoutTx) InsertClosed(ctx context.Context, checkoutID circulation.CheckoutID, returnedAt time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
INSERT INTO closed_checkouts (checkout_id, item_id, borrower_id, checked_out_at, returned_at)
SELECT checkout_id, item_id, borrower_id, checked_out_at, `+t.db.dialect.timestampParam+`
FROM open_checkouts
WHERE checkout_id = ?`), returnedAt, checkoutID)
	if err != nil {
		return 0, classify("insert closed checkout", err)
	}
	return rowsAffected(res)
}

func (t *checkoutTx) DeleteOpen(ctx context.Context, checkoutID circulation.CheckoutID) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`DELETE FROM open_checkouts WHERE checkout_id = ?`), checkoutID)
	if err != nil {
		return 0, classify("delete open checkout", err)
	}
	return rowsAffected(res)
}

func (t *checkoutTx) AppendEvent(ctx context.Context, ev circulation.Event) error {
	_, err := t.tx.NamedExecContext(ctx, `
INSERT INTO checkout_events (event_id, event_type, checkout_id, item_id, borrower_id, occurred_at)
VALUES (:event_id, :event_type, :checkout_id, :item_id, :borrower_id, :occurred_at)`, ev)
	return classify("append checkout event", err)
}

func (t *checkoutTx) Commit() error {
	return classify("commit", t.tx.Commit())
}

func (t *checkoutTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	if err != nil {
		t.db.log.Debug("rollback failed", zap.Error(err))
	}
	return err
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
