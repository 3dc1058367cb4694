// internal/clients/circulation_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"librarycheckout/internal/circulation"
)

// CirculationClient talks to the circulation HTTP API and maps error
// statuses back to the circulation sentinel errors.
type CirculationClient struct {
	baseURL string
	http    *http.Client
}

func NewCirculationClient(baseURL string, httpClient *http.Client) *CirculationClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CirculationClient{baseURL: baseURL, http: httpClient}
}

func (c *CirculationClient) OpenCheckout(ctx context.Context, itemID circulation.ItemID, borrowerID circulation.BorrowerID) (circulation.CheckoutID, error) {
	var out struct {
		CheckoutID circulation.CheckoutID `json:"checkout_id"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/items/%s/checkouts", itemID),
		map[string]string{"borrower_id": borrowerID.String()},
		http.StatusCreated, &out)
	return out.CheckoutID, err
}

func (c *CirculationClient) CloseCheckout(ctx context.Context, checkoutID circulation.CheckoutID, itemID circulation.ItemID, borrowerID circulation.BorrowerID) error {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/items/%s/checkouts/%s/returned", itemID, checkoutID),
		map[string]string{"borrower_id": borrowerID.String()},
		http.StatusNoContent, nil)
}

func (c *CirculationClient) ListAllOpen(ctx context.Context) ([]circulation.Checkout, error) {
	var out []circulation.Checkout
	err := c.do(ctx, http.MethodGet, "/checkouts", nil, http.StatusOK, &out)
	return out, err
}

func (c *CirculationClient) ListOpenForBorrower(ctx context.Context, borrowerID circulation.BorrowerID) ([]circulation.Checkout, error) {
	var out []circulation.Checkout
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/borrowers/%s/checkouts", borrowerID), nil, http.StatusOK, &out)
	return out, err
}

func (c *CirculationClient) HistoryForItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.Checkout, error) {
	var out []circulation.Checkout
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/items/%s/checkout-history", itemID), nil, http.StatusOK, &out)
	return out, err
}

func (c *CirculationClient) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = circulation.ErrItemNotFound
	case http.StatusConflict:
		sentinel = circulation.ErrAlreadyCheckedOut
	case http.StatusUnprocessableEntity:
		sentinel = circulation.ErrCheckoutMismatch
	case http.StatusServiceUnavailable:
		sentinel = circulation.ErrSerializationConflict
	default:
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%w (status %d)", sentinel, resp.StatusCode)
}
