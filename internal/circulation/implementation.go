// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// service implements the Service interface.
type service struct {
	store    Store
	log      *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// NewService creates a new circulation service instance. log and recorder may be nil.
func NewService(store Store, log *zap.Logger, recorder Recorder) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{
		store:    store,
		log:      log,
		recorder: recorder,
		tracer:   otel.Tracer("librarycheckout/circulation"),
	}
}

// OpenCheckout runs the open guard and inserts the checkout in one
// serializable transaction.
func (s *service) OpenCheckout(ctx context.Context, itemID ItemID, borrowerID BorrowerID, at time.Time) (_ CheckoutID, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.open_checkout",
		trace.WithAttributes(
			attribute.String("item.id", itemID.String()),
			attribute.String("borrower.id", borrowerID.String()),
		),
	)
	defer s.finish(span, "open", time.Now(), &err)

	tx, err := s.store.BeginSerializable(ctx)
	if err != nil {
		return CheckoutID{}, infraError("begin transaction", err)
	}
	defer s.rollback(tx)

	state, err := tx.ItemState(ctx, itemID)
	if err != nil {
		return CheckoutID{}, infraError("read item state", err)
	}
	if d := CheckOpen(state); d.Rejected() {
		span.SetAttributes(attribute.String("guard.decision", d.String()))
		return CheckoutID{}, fmt.Errorf("open checkout on item %s: %w", itemID, d.Err())
	}

	oc := OpenCheckout{
		CheckoutID:   NewCheckoutID(),
		ItemID:       itemID,
		BorrowerID:   borrowerID,
		CheckedOutAt: at.UTC(),
	}
	n, err := tx.InsertOpen(ctx, oc)
	if err != nil {
		return CheckoutID{}, infraError("insert open checkout", err)
	}
	if n < 1 {
		return CheckoutID{}, s.inconsistent("no open checkout record has been created", oc)
	}

	if err := tx.AppendEvent(ctx, newEvent(EventCheckoutOpened, oc, oc.CheckedOutAt)); err != nil {
		return CheckoutID{}, infraError("append checkout event", err)
	}

	if err := tx.Commit(); err != nil {
		return CheckoutID{}, infraError("commit transaction", err)
	}

	span.SetAttributes(attribute.String("checkout.id", oc.CheckoutID.String()))
	s.log.Info("checkout opened",
		zap.Stringer("checkout_id", oc.CheckoutID),
		zap.Stringer("item_id", itemID),
		zap.Stringer("borrower_id", borrowerID),
	)
	return oc.CheckoutID, nil
}

// CloseCheckout runs the return guard, then moves the open checkout into the
// closed checkouts in one serializable transaction.
func (s *service) CloseCheckout(ctx context.Context, checkoutID CheckoutID, itemID ItemID, borrowerID BorrowerID, at time.Time) (err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.close_checkout",
		trace.WithAttributes(
			attribute.String("checkout.id", checkoutID.String()),
			attribute.String("item.id", itemID.String()),
			attribute.String("borrower.id", borrowerID.String()),
		),
	)
	defer s.finish(span, "close", time.Now(), &err)

	tx, err := s.store.BeginSerializable(ctx)
	if err != nil {
		return infraError("begin transaction", err)
	}
	defer s.rollback(tx)

	state, err := tx.ItemState(ctx, itemID)
	if err != nil {
		return infraError("read item state", err)
	}
	if d := CheckReturn(state, checkoutID, borrowerID); d.Rejected() {
		span.SetAttributes(attribute.String("guard.decision", d.String()))
		return fmt.Errorf("return checkout %s of item %s by %s: %w", checkoutID, itemID, borrowerID, d.Err())
	}
	oc := *state.Open

	returnedAt := at.UTC()
	n, err := tx.InsertClosed(ctx, checkoutID, returnedAt)
	if err != nil {
		return infraError("insert closed checkout", err)
	}
	if n < 1 {
		return s.inconsistent("no returned checkout record has been created", oc)
	}

	n, err = tx.DeleteOpen(ctx, checkoutID)
	if err != nil {
		return infraError("delete open checkout", err)
	}
	if n < 1 {
		return s.inconsistent("no open checkout record has been deleted", oc)
	}

	if err := tx.AppendEvent(ctx, newEvent(EventCheckoutClosed, oc, returnedAt)); err != nil {
		return infraError("append checkout event", err)
	}

	if err := tx.Commit(); err != nil {
		return infraError("commit transaction", err)
	}

	s.log.Info("checkout closed",
		zap.Stringer("checkout_id", checkoutID),
		zap.Stringer("item_id", itemID),
		zap.Stringer("borrower_id", borrowerID),
	)
	return nil
}

// ListOpenForBorrower returns the borrower's open checkouts, oldest first.
func (s *service) ListOpenForBorrower(ctx context.Context, borrowerID BorrowerID) (_ []Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_open_for_borrower",
		trace.WithAttributes(attribute.String("borrower.id", borrowerID.String())),
	)
	defer s.finish(span, "list_open_for_borrower", time.Now(), &err)

	checkouts, err := s.store.FindOpenByBorrower(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("find open checkouts of borrower %s: %w", borrowerID, err)
	}
	span.SetAttributes(attribute.Int("checkouts.count", len(checkouts)))
	return nonNil(checkouts), nil
}

// ListAllOpen returns every open checkout, oldest first.
func (s *service) ListAllOpen(ctx context.Context) (_ []Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_all_open")
	defer s.finish(span, "list_all_open", time.Now(), &err)

	checkouts, err := s.store.FindOpenAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("find open checkouts: %w", err)
	}
	span.SetAttributes(attribute.Int("checkouts.count", len(checkouts)))
	return nonNil(checkouts), nil
}

func (s *service) rollback(tx Tx) {
	if err := tx.Rollback(); err != nil {
		s.log.Error("failed to roll back transaction", zap.Error(err))
	}
}

func (s *service) inconsistent(msg string, oc OpenCheckout) error {
	s.log.Error("persistence inconsistency",
		zap.String("detail", msg),
		zap.Stringer("checkout_id", oc.CheckoutID),
		zap.Stringer("item_id", oc.ItemID),
		zap.Stringer("borrower_id", oc.BorrowerID),
	)
	return fmt.Errorf("%w: %s", ErrPersistenceInconsistency, msg)
}

func (s *service) finish(span trace.Span, op string, start time.Time, errp *error) {
	defer span.End()

	err := *errp
	outcome := Outcome(err)
	if s.recorder != nil {
		s.recorder.ObserveOperation(op, outcome, time.Since(start))
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	switch {
	case err == nil:
		return
	case isRejection(err):
		s.log.Debug("request rejected", zap.String("op", op), zap.Error(err))
		return
	case IsRetryable(err):
		s.log.Warn("serialization conflict", zap.String("op", op), zap.Error(err))
	case errors.Is(err, ErrPersistenceInconsistency):
		// logged with full detail where detected
	default:
		s.log.Error("operation failed", zap.String("op", op), zap.Error(err))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// infraError wraps a store failure. Conflicts and unique violations keep their
// own sentinel; everything else becomes ErrTransaction.
func infraError(op string, err error) error {
	if errors.Is(err, ErrSerializationConflict) || errors.Is(err, ErrAlreadyCheckedOut) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransaction, op, err)
}

func nonNil(checkouts []Checkout) []Checkout {
	if checkouts == nil {
		return []Checkout{}
	}
	return checkouts
}
