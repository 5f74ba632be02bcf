package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
)

// HTTPClient implements Client against the ledger gateway's JSON API.
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
}

// NewHTTPClient creates a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse ledger url: %q is not absolute", baseURL)
	}
	return &HTTPClient{base: u, hc: &http.Client{Timeout: timeout}}, nil
}

type publicKeyResponse struct {
	PublicKey []int `json:"publicKey"`
}

// PublicKey fetches the backend's published key.
func (c *HTTPClient) PublicKey(ctx context.Context) ([]byte, error) {
	var resp publicKeyResponse
	if _, err := c.do(ctx, http.MethodGet, "/mxe/public-key", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch backend key: %w", err)
	}
	key := make([]byte, len(resp.PublicKey))
	for i, v := range resp.PublicKey {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("fetch backend key: byte %d out of range", i)
		}
		key[i] = byte(v)
	}
	return key, nil
}

// InitCircuit registers the computation definition for kind. A 409 from the
// gateway maps to ErrAlreadyInitialized.
func (c *HTTPClient) InitCircuit(ctx context.Context, kind Kind) error {
	status, err := c.do(ctx, http.MethodPost, "/circuits/"+string(kind)+"/init", nil, nil)
	if status == http.StatusConflict {
		return ErrAlreadyInitialized
	}
	if err != nil {
		return fmt.Errorf("init circuit %s: %w", kind, err)
	}
	return nil
}

type invokeResponse struct {
	Signature string `json:"signature"`
}

// Invoke submits inst and returns the transaction signature.
func (c *HTTPClient) Invoke(ctx context.Context, inst Instruction) (string, error) {
	var resp invokeResponse
	if _, err := c.do(ctx, http.MethodPost, "/instructions", inst, &resp); err != nil {
		return "", fmt.Errorf("invoke %s: %w", inst.Name, err)
	}
	return resp.Signature, nil
}

// Status polls the finalization state of offset. A 202 means still pending.
func (c *HTTPClient) Status(ctx context.Context, offset Offset) (*Event, error) {
	var ev Event
	status, err := c.do(ctx, http.MethodGet, "/computations/"+strconv.FormatUint(uint64(offset), 10), nil, &ev)
	if err != nil {
		return nil, fmt.Errorf("computation status %d: %w", offset, err)
	}
	if status == http.StatusAccepted {
		return nil, nil
	}
	return &ev, nil
}

type escrowResponse struct {
	Proofs []envelope.Blob `json:"proofs"`
}

// EscrowProofs fetches deposit proofs for both legs of a match.
func (c *HTTPClient) EscrowProofs(ctx context.Context, buyID, sellID string) ([]envelope.Blob, error) {
	q := url.Values{"buy": {buyID}, "sell": {sellID}}
	var resp escrowResponse
	if _, err := c.do(ctx, http.MethodGet, "/escrow/proofs?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("escrow proofs: %w", err)
	}
	return resp.Proofs, nil
}

// do performs a JSON round trip. out is only decoded on 200.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
}
