package cartclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
)

// APIError is a non-2xx response from the cart API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cart api: status=%d: %s", e.StatusCode, e.Message)
}

// APIClient calls the cart HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type getCartResponse struct {
	Data     *models.Cart `json:"data"`
	Duration int64        `json:"duration"`
}

// GetCart returns nil, nil when the user has no cart.
func (a *APIClient) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	resp, err := a.do(ctx, http.MethodGet, "/cart", url.Values{"user_id": {userID}}, nil, nil)
	if err != nil {
		return nil, err
	}
	var out getCartResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// SaveCart replaces the user's cart. sessionID is excluded from the direct broadcast of the write.
func (a *APIClient) SaveCart(ctx context.Context, sessionID string, m models.Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	if sessionID != "" {
		headers.Set("X-Session-ID", sessionID)
	}
	resp, err := a.do(ctx, http.MethodPost, "/cart", nil, headers, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (a *APIClient) DeleteCart(ctx context.Context, sessionID, userID string) error {
	headers := http.Header{}
	if sessionID != "" {
		headers.Set("X-Session-ID", sessionID)
	}
	resp, err := a.do(ctx, http.MethodDelete, "/cart", url.Values{"user_id": {userID}}, headers, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (a *APIClient) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body io.Reader) (*http.Response, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	return a.client.Do(req)
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
			body.Error = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
