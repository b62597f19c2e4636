// Package oracle wraps the hardware-backed signing key behind the narrow
// contract the rest of the system consumes: initialize, sign, status. The
// private key never crosses this boundary and there is no fallback signing
// path; an unavailable oracle is a hard failure.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status reports oracle availability.
type Status struct {
	Available bool `json:"available"`
	KeyExists bool `json:"keyExists"`
}

// Signer is the consumed oracle contract.
type Signer interface {
	// InitKey ensures a keypair exists and returns the PEM-encoded public key.
	InitKey(ctx context.Context) ([]byte, error)
	// Sign signs the base64 payload and returns a base64 signature.
	Sign(ctx context.Context, payloadB64 string) (string, error)
	// Status reports whether the oracle is usable.
	Status(ctx context.Context) (Status, error)
}

// HTTPOracle talks to a local signing helper over HTTP.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *HTTPOracle) InitKey(ctx context.Context) ([]byte, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := o.post(ctx, "/init", nil, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKey == "" {
		return nil, fmt.Errorf("oracle: init returned no public key")
	}
	return []byte(resp.PublicKey), nil
}

func (o *HTTPOracle) Sign(ctx context.Context, payloadB64 string) (string, error) {
	req := map[string]string{"payload": payloadB64}
	var resp struct {
		Signature string `json:"signature"`
	}
	if err := o.post(ctx, "/sign", req, &resp); err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("oracle: sign returned no signature")
	}
	return resp.Signature, nil
}

func (o *HTTPOracle) Status(ctx context.Context) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return Status{}, fmt.Errorf("oracle: status: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("oracle: status returned %d", httpResp.StatusCode)
	}
	var status Status
	if err := json.NewDecoder(httpResp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("oracle: decode status: %w", err)
	}
	return status, nil
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("oracle: %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle: %s returned %d", path, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}

var _ Signer = (*HTTPOracle)(nil)
