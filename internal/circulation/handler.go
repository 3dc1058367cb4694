// internal/circulation/handler.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandlerOptions tunes the HTTP layer. Zero values fall back to defaults.
type HandlerOptions struct {
	// MaxAttempts bounds how many fresh transactions are tried when the
	// backend reports a serialization conflict.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond limits mutating requests; zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	// OnRetry is called before each retried attempt.
	OnRetry func(op string)
	Now     func() time.Time
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 10 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 500 * time.Millisecond
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Handler struct {
	service Service
	log     *zap.Logger
	opts    HandlerOptions
	limiter *rate.Limiter
}

func NewHandler(service Service, log *zap.Logger, opts HandlerOptions) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	h := &Handler{service: service, log: log, opts: opts}
	if opts.RequestsPerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}
	return h
}

// Routes returns the circulation API as a standalone router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.LogRequests)
	h.Register(r)
	return r
}

// Register mounts the circulation routes on r. Mutating routes are rate
// limited.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.limit)
		r.Post("/items/{itemID}/checkouts", h.handleOpenCheckout)
		r.Put("/items/{itemID}/checkouts/{checkoutID}/returned", h.handleCloseCheckout)
	})
	r.Get("/checkouts", h.handleListAllOpen)
	r.Get("/borrowers/{borrowerID}/checkouts", h.handleListOpenForBorrower)
	r.Get("/items/{itemID}/checkout-history", h.handleHistory)
}

type borrowerRequest struct {
	BorrowerID string `json:"borrower_id"`
}

type openCheckoutResponse struct {
	CheckoutID CheckoutID `json:"checkout_id"`
}

func (h *Handler) handleOpenCheckout(w http.ResponseWriter, r *http.Request) {
	itemID, err := ParseItemID(chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}
	borrowerID, ok := decodeBorrower(w, r)
	if !ok {
		return
	}

	checkoutID, err := withRetry(r.Context(), h, "open", func() (CheckoutID, error) {
		return h.service.OpenCheckout(r.Context(), itemID, borrowerID, h.opts.Now())
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, openCheckoutResponse{CheckoutID: checkoutID})
}

func (h *Handler) handleCloseCheckout(w http.ResponseWriter, r *http.Request) {
	itemID, err := ParseItemID(chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}
	checkoutID, err := ParseCheckoutID(chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid checkout ID")
		return
	}
	borrowerID, ok := decodeBorrower(w, r)
	if !ok {
		return
	}

	_, err = withRetry(r.Context(), h, "close", func() (struct{}, error) {
		return struct{}{}, h.service.CloseCheckout(r.Context(), checkoutID, itemID, borrowerID, h.opts.Now())
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListAllOpen(w http.ResponseWriter, r *http.Request) {
	checkouts, err := h.service.ListAllOpen(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkouts)
}

func (h *Handler) handleListOpenForBorrower(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := ParseBorrowerID(chi.URLParam(r, "borrowerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower ID")
		return
	}
	checkouts, err := h.service.ListOpenForBorrower(r.Context(), borrowerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkouts)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	itemID, err := ParseItemID(chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}
	checkouts, err := h.service.HistoryForItem(r.Context(), itemID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkouts)
}

// withRetry runs fn, retrying serialization conflicts with exponential
// backoff. Every attempt is a fresh transaction inside the service.
func withRetry[T any](ctx context.Context, h *Handler, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opts.InitialBackoff
	b.MaxInterval = h.opts.MaxBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.log.Debug("retrying after serialization conflict",
				zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
			if h.opts.OnRetry != nil {
				h.opts.OnRetry(op)
			}
		}),
	)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyCheckedOut):
		return http.StatusConflict
	case errors.Is(err, ErrCheckoutMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSerializationConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// details stay in the logs
		msg = http.StatusText(status)
	}
	writeError(w, status, msg)
}

func (h *Handler) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogRequests logs every request at debug level.
func (h *Handler) LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// maxBodyBytes caps request bodies; the largest valid body is one borrower ID.
const maxBodyBytes = 4 << 10

func decodeBorrower(w http.ResponseWriter, r *http.Request) (BorrowerID, bool) {
	var req borrowerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return BorrowerID{}, false
	}
	borrowerID, err := ParseBorrowerID(req.BorrowerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower ID")
		return BorrowerID{}, false
	}
	return borrowerID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
