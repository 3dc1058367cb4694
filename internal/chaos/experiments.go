package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"librarycheckout/internal/circulation"
)

// Target is the circulation API under test. clients.CirculationClient
// satisfies it.
type Target interface {
	OpenCheckout(ctx context.Context, itemID circulation.ItemID, borrowerID circulation.BorrowerID) (circulation.CheckoutID, error)
	CloseCheckout(ctx context.Context, checkoutID circulation.CheckoutID, itemID circulation.ItemID, borrowerID circulation.BorrowerID) error
	ListAllOpen(ctx context.Context) ([]circulation.Checkout, error)
	HistoryForItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.Checkout, error)
}

type ExperimentOptions struct {
	// Concurrency is the number of simultaneous requests per burst.
	Concurrency int
	// Observe is how long probes are sampled after the burst.
	Observe time.Duration
}

func (o ExperimentOptions) withDefaults() ExperimentOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 50
	}
	if o.Observe <= 0 {
		o.Observe = 5 * time.Second
	}
	return o
}

// RegisterCirculationExperiments registers the concurrent open and
// concurrent return experiments. Each needs its own available item.
func (e *Engine) RegisterCirculationExperiments(target Target, openItem, returnItem circulation.ItemID, opts ExperimentOptions) {
	e.RegisterExperiment(ConcurrentOpenExperiment(target, openItem, opts))
	e.RegisterExperiment(ConcurrentReturnExperiment(target, returnItem, opts))
}

// burst counts the outcomes of one round of simultaneous requests.
type burst struct {
	succeeded  atomic.Int64
	unexpected atomic.Int64
}

// fire runs fn concurrently n times and sorts each outcome. Errors matched
// by expected are the normal losing outcomes of the race.
func (b *burst) fire(ctx context.Context, n int, fn func(ctx context.Context, i int) error, expected ...error) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := fn(ctx, i)
			if err == nil {
				b.succeeded.Add(1)
				return
			}
			for _, e := range expected {
				if errors.Is(err, e) {
					return
				}
			}
			b.unexpected.Add(1)
			mu.Lock()
			if first == nil {
				first = err
			}
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()
	return first
}

func counterProbe(name string, c *atomic.Int64, t Threshold) Probe {
	return Probe{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: t,
	}
}

// doubleLentProbe counts items that show more than one open checkout.
func doubleLentProbe(target Target) Probe {
	return Probe{
		Name: "double_lent_items",
		Query: func(ctx context.Context) (float64, error) {
			open, err := target.ListAllOpen(ctx)
			if err != nil {
				return 0, err
			}
			return float64(DoubleLent(open)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// historyProbe counts inconsistencies in an item's history.
func historyProbe(target Target, itemID circulation.ItemID) Probe {
	return Probe{
		Name: "history_inconsistencies",
		Query: func(ctx context.Context) (float64, error) {
			history, err := target.HistoryForItem(ctx, itemID)
			if err != nil {
				return 0, err
			}
			return float64(HistoryInconsistencies(history)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// DoubleLent returns how many items appear more than once in a listing of
// open checkouts.
func DoubleLent(open []circulation.Checkout) int {
	seen := make(map[circulation.ItemID]int, len(open))
	n := 0
	for _, c := range open {
		seen[c.ItemID]++
		if seen[c.ItemID] == 2 {
			n++
		}
	}
	return n
}

// HistoryInconsistencies counts repeated checkout IDs and open entries
// beyond the first in an item's history.
func HistoryInconsistencies(history []circulation.Checkout) int {
	ids := make(map[circulation.CheckoutID]struct{}, len(history))
	n, open := 0, 0
	for _, c := range history {
		if _, dup := ids[c.ID]; dup {
			n++
		}
		ids[c.ID] = struct{}{}
		if !c.Returned() {
			open++
		}
	}
	if open > 1 {
		n += open - 1
	}
	return n
}

// ConcurrentOpenExperiment races many borrowers for one available item.
// Exactly one request may win; the rest must be refused cleanly.
func ConcurrentOpenExperiment(target Target, itemID circulation.ItemID, opts ExperimentOptions) Experiment {
	opts = opts.withDefaults()
	var (
		b         burst
		borrowers = make([]circulation.BorrowerID, opts.Concurrency)
		mu        sync.Mutex
		winners   []circulation.Checkout
	)
	for i := range borrowers {
		borrowers[i] = circulation.BorrowerID{UUID: uuid.New()}
	}

	return Experiment{
		Name:       "concurrent-open-race",
		Hypothesis: "Simultaneous checkouts of one item produce exactly one open checkout",
		SteadyState: []Probe{
			doubleLentProbe(target),
			historyProbe(target, itemID),
			counterProbe("winning_opens", &b.succeeded, Threshold{Operator: "<=", Value: 1}),
			counterProbe("unexpected_errors", &b.unexpected, Threshold{Operator: "==", Value: 0}),
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "open-checkout",
			Execute: func(ctx context.Context) error {
				return b.fire(ctx, opts.Concurrency, func(ctx context.Context, i int) error {
					id, err := target.OpenCheckout(ctx, itemID, borrowers[i])
					if err == nil {
						mu.Lock()
						winners = append(winners, circulation.Checkout{ID: id, ItemID: itemID, BorrowerID: borrowers[i]})
						mu.Unlock()
					}
					return err
				},
					circulation.ErrAlreadyCheckedOut,
					circulation.ErrSerializationConflict,
				)
			},
		}},
		Rollback: []Action{{
			Type:   "return-winners",
			Target: "close-checkout",
			Execute: func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				var errs []error
				for _, w := range winners {
					if err := target.CloseCheckout(ctx, w.ID, w.ItemID, w.BorrowerID); err != nil {
						errs = append(errs, fmt.Errorf("return %s: %w", w.ID, err))
					}
				}
				winners = nil
				return errors.Join(errs...)
			},
		}},
		Validation: []Assertion{
			{Probe: "double_lent_items", Condition: func(v float64) bool { return v == 0 }, Message: "no item may be lent twice"},
			{Probe: "winning_opens", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one checkout should win the race"},
			{Probe: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "losing requests should be refused with a conflict"},
		},
		Duration: opts.Observe,
	}
}

// ConcurrentReturnExperiment lends an item and then returns the same
// checkout from many requests at once. Exactly one return may succeed.
func ConcurrentReturnExperiment(target Target, itemID circulation.ItemID, opts ExperimentOptions) Experiment {
	opts = opts.withDefaults()
	var (
		b          burst
		borrower   = circulation.BorrowerID{UUID: uuid.New()}
		checkoutID circulation.CheckoutID
		lent       atomic.Bool
	)

	return Experiment{
		Name:       "concurrent-return-race",
		Hypothesis: "Simultaneous returns of one checkout close it exactly once",
		SteadyState: []Probe{
			doubleLentProbe(target),
			historyProbe(target, itemID),
			counterProbe("winning_returns", &b.succeeded, Threshold{Operator: "<=", Value: 1}),
			counterProbe("unexpected_errors", &b.unexpected, Threshold{Operator: "==", Value: 0}),
		},
		Method: []Action{
			{
				Type:   "lend",
				Target: "open-checkout",
				Execute: func(ctx context.Context) error {
					id, err := target.OpenCheckout(ctx, itemID, borrower)
					if err != nil {
						return err
					}
					checkoutID = id
					lent.Store(true)
					return nil
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "close-checkout",
				Execute: func(ctx context.Context) error {
					if !lent.Load() {
						return errors.New("item was not lent")
					}
					return b.fire(ctx, opts.Concurrency, func(ctx context.Context, _ int) error {
						return target.CloseCheckout(ctx, checkoutID, itemID, borrower)
					},
						circulation.ErrItemNotFound,
						circulation.ErrSerializationConflict,
					)
				},
			},
		},
		Rollback: []Action{{
			Type:   "return-if-open",
			Target: "close-checkout",
			Execute: func(ctx context.Context) error {
				if !lent.Load() || b.succeeded.Load() > 0 {
					return nil
				}
				return target.CloseCheckout(ctx, checkoutID, itemID, borrower)
			},
		}},
		Validation: []Assertion{
			{Probe: "history_inconsistencies", Condition: func(v float64) bool { return v == 0 }, Message: "a checkout must appear once in history"},
			{Probe: "winning_returns", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one return should succeed"},
			{Probe: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "losing returns should find the checkout already closed"},
		},
		Duration: opts.Observe,
	}
}
