package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrUnavailable marks transport-level failures talking to the catalog,
// as opposed to the catalog rejecting the ids.
var ErrUnavailable = errors.New("catalog service unavailable")

// Product is a catalog record carrying the authoritative price.
type Product struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// UnknownProductError reports product ids the catalog does not know.
// Its message is safe to surface to clients verbatim.
type UnknownProductError struct {
	Missing []int64
}

func (e *UnknownProductError) Error() string {
	if len(e.Missing) == 0 {
		return "unknown product reference"
	}
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return "unknown products: " + strings.Join(ids, ", ")
}

// Client is the HTTP facade over the catalog service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: client,
	}
}

type validateRequest struct {
	IDs []int64 `json:"ids"`
}

type validateResponse struct {
	Products []Product `json:"products"`
}

// ValidateProducts confirms every id exists in the catalog and returns
// the matching records. The whole call fails with UnknownProductError
// when any id is missing; no partial result is returned.
func (c *Client) ValidateProducts(ctx context.Context, ids []int64) ([]Product, error) {
	data, err := json.Marshal(validateRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/products/validate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		// The catalog names the offending ids in its error body; without
		// them the error stays generic rather than blaming every id.
		var rejection struct {
			MissingIDs []int64 `json:"missing_ids"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rejection)
		return nil, &UnknownProductError{Missing: rejection.MissingIDs}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}

	if missing := missingIDs(ids, body.Products); len(missing) > 0 {
		return nil, &UnknownProductError{Missing: missing}
	}

	return body.Products, nil
}

func missingIDs(requested []int64, products []Product) []int64 {
	known := make(map[int64]bool, len(products))
	for _, p := range products {
		known[p.ID] = true
	}

	var missing []int64
	seen := make(map[int64]bool, len(requested))
	for _, id := range requested {
		if !known[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}
