package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Delivery is the metadata the dashboard shows next to the live map.
type Delivery struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	Status         string  `json:"status"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffAddress string  `json:"dropoff_address"`
	Courier        Courier `json:"courier"`
}

type Courier struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Client fetches delivery details from the management API with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Get returns the delivery identified by its code.
func (c *Client) Get(ctx context.Context, code string) (Delivery, error) {
	endpoint := c.baseURL + "/deliveries/" + url.PathEscape(code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Delivery{}, fmt.Errorf("delivery api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Delivery{}, fmt.Errorf("delivery api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Delivery{}, fmt.Errorf("delivery api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var d Delivery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Delivery{}, fmt.Errorf("delivery api: decode response: %w", err)
	}
	return d, nil
}
