// Package memstore is an in-memory circulation.Store.
//
// Transactions work on a private snapshot taken at begin. Commit validates
// that no item read or written by the transaction was changed by another
// committed transaction since the snapshot, and fails with
// circulation.ErrSerializationConflict otherwise, the way a serializable SQL
// backend aborts one of two conflicting transactions.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"librarycheckout/internal/circulation"
)

// Store holds items, open and closed checkouts and the event outbox.
type Store struct {
	mu    sync.Mutex
	state state
}

type state struct {
	items      map[circulation.ItemID]circulation.ItemSummary
	open       map[circulation.CheckoutID]circulation.OpenCheckout
	openByItem map[circulation.ItemID]circulation.CheckoutID
	closed     []circulation.ClosedCheckout
	events     []circulation.Event
	// versions counts committed writes per item.
	versions map[circulation.ItemID]uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{state: state{
		items:      make(map[circulation.ItemID]circulation.ItemSummary),
		open:       make(map[circulation.CheckoutID]circulation.OpenCheckout),
		openByItem: make(map[circulation.ItemID]circulation.CheckoutID),
		versions:   make(map[circulation.ItemID]uint64),
	}}
}

// AddItem registers an item so that it can be checked out.
func (s *Store) AddItem(id circulation.ItemID, summary circulation.ItemSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.items[id] = summary
}

// Events returns a copy of the committed outbox events.
func (s *Store) Events() []circulation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.events)
}

func (st *state) clone() state {
	return state{
		items:      maps.Clone(st.items),
		open:       maps.Clone(st.open),
		openByItem: maps.Clone(st.openByItem),
		closed:     slices.Clone(st.closed),
		versions:   maps.Clone(st.versions),
	}
}

func (st *state) render(oc circulation.OpenCheckout) circulation.Checkout {
	return circulation.Checkout{
		ID:           oc.CheckoutID,
		ItemID:       oc.ItemID,
		BorrowerID:   oc.BorrowerID,
		CheckedOutAt: oc.CheckedOutAt,
		Item:         st.items[oc.ItemID],
	}
}

func (st *state) renderClosed(cc circulation.ClosedCheckout) circulation.Checkout {
	c := st.render(cc.OpenCheckout)
	returnedAt := cc.ReturnedAt
	c.ReturnedAt = &returnedAt
	return c
}

// openSorted renders the open checkouts matching keep, oldest first.
func (st *state) openSorted(keep func(circulation.OpenCheckout) bool) []circulation.Checkout {
	var out []circulation.Checkout
	for _, oc := range st.open {
		if keep(oc) {
			out = append(out, st.render(oc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckedOutAt.Before(out[j].CheckedOutAt)
	})
	return out
}

func (s *Store) FindOpenAll(ctx context.Context) ([]circulation.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.openSorted(func(circulation.OpenCheckout) bool { return true }), nil
}

func (s *Store) FindOpenByBorrower(ctx context.Context, borrowerID circulation.BorrowerID) ([]circulation.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.openSorted(func(oc circulation.OpenCheckout) bool {
		return oc.BorrowerID == borrowerID
	}), nil
}

func (s *Store) FindOpenByItem(ctx context.Context, itemID circulation.ItemID) (*circulation.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.openByItem[itemID]
	if !ok {
		return nil, nil
	}
	c := s.state.render(s.state.open[id])
	return &c, nil
}

func (s *Store) FindClosedByItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []circulation.Checkout
	for _, cc := range s.state.closed {
		if cc.ItemID == itemID {
			out = append(out, s.state.renderClosed(cc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CheckedOutAt.After(out[j].CheckedOutAt)
	})
	return out, nil
}

// BeginSerializable snapshots the store.
func (s *Store) BeginSerializable(ctx context.Context) (circulation.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{
		ctx:     ctx,
		store:   s,
		snap:    s.state.clone(),
		touched: make(map[circulation.ItemID]struct{}),
	}, nil
}

type opKind int

const (
	opInsertOpen opKind = iota
	opInsertClosed
	opDeleteOpen
	opAppendEvent
)

type op struct {
	kind   opKind
	open   circulation.OpenCheckout
	closed circulation.ClosedCheckout
	id     circulation.CheckoutID
	event  circulation.Event
}

type tx struct {
	ctx     context.Context
	store   *Store
	snap    state
	touched map[circulation.ItemID]struct{}
	ops     []op
	done    bool
}

func (t *tx) check() error {
	if t.done {
		return fmt.Errorf("memstore: transaction already finished")
	}
	return t.ctx.Err()
}

func (t *tx) ItemState(ctx context.Context, itemID circulation.ItemID) (*circulation.ItemState, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.touched[itemID] = struct{}{}
	if _, ok := t.snap.items[itemID]; !ok {
		return nil, nil
	}
	state := &circulation.ItemState{ItemID: itemID}
	if id, ok := t.snap.openByItem[itemID]; ok {
		oc := t.snap.open[id]
		state.Open = &oc
	}
	return state, nil
}

func (t *tx) InsertOpen(ctx context.Context, oc circulation.OpenCheckout) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.touched[oc.ItemID] = struct{}{}
	if _, ok := t.snap.items[oc.ItemID]; !ok {
		return 0, fmt.Errorf("memstore: item %s does not exist", oc.ItemID)
	}
	if _, ok := t.snap.openByItem[oc.ItemID]; ok {
		return 0, fmt.Errorf("memstore: unique open checkout per item: %w", circulation.ErrAlreadyCheckedOut)
	}
	t.snap.open[oc.CheckoutID] = oc
	t.snap.openByItem[oc.ItemID] = oc.CheckoutID
	t.ops = append(t.ops, op{kind: opInsertOpen, open: oc})
	return 1, nil
}

func (t *tx) InsertClosed(ctx context.Context, checkoutID circulation.CheckoutID, returnedAt time.Time) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	oc, ok := t.snap.open[checkoutID]
	if !ok {
		return 0, nil
	}
	t.touched[oc.ItemID] = struct{}{}
	cc := circulation.ClosedCheckout{OpenCheckout: oc, ReturnedAt: returnedAt}
	t.snap.closed = append(t.snap.closed, cc)
	t.ops = append(t.ops, op{kind: opInsertClosed, closed: cc})
	return 1, nil
}

func (t *tx) DeleteOpen(ctx context.Context, checkoutID circulation.CheckoutID) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	oc, ok := t.snap.open[checkoutID]
	if !ok {
		return 0, nil
	}
	t.touched[oc.ItemID] = struct{}{}
	delete(t.snap.open, checkoutID)
	delete(t.snap.openByItem, oc.ItemID)
	t.ops = append(t.ops, op{kind: opDeleteOpen, id: checkoutID})
	return 1, nil
}

func (t *tx) AppendEvent(ctx context.Context, ev circulation.Event) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opAppendEvent, event: ev})
	return nil
}

// Commit applies the buffered writes if no touched item changed since begin.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		t.done = true
		return err
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for itemID := range t.touched {
		if s.state.versions[itemID] != t.snap.versions[itemID] {
			return fmt.Errorf("memstore: item %s changed by a concurrent transaction: %w",
				itemID, circulation.ErrSerializationConflict)
		}
	}

	written := make(map[circulation.ItemID]struct{})
	for _, o := range t.ops {
		switch o.kind {
		case opInsertOpen:
			s.state.open[o.open.CheckoutID] = o.open
			s.state.openByItem[o.open.ItemID] = o.open.CheckoutID
			written[o.open.ItemID] = struct{}{}
		case opInsertClosed:
			s.state.closed = append(s.state.closed, o.closed)
			written[o.closed.ItemID] = struct{}{}
		case opDeleteOpen:
			oc := s.state.open[o.id]
			delete(s.state.open, o.id)
			delete(s.state.openByItem, oc.ItemID)
			written[oc.ItemID] = struct{}{}
		case opAppendEvent:
			s.state.events = append(s.state.events, o.event)
		}
	}
	for itemID := range written {
		s.state.versions[itemID]++
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	t.ops = nil
	return nil
}
