// Package provider supplies the default planner.Provider wiring: a thin
// HTTP client over whatever opaque code-generation backend is configured.
// The provider's own decision-making (how it turns a goal or a failure
// classification into file mutations) is explicitly out of scope for this
// kernel — planner.Provider is an interface seam precisely so any backend
// can sit behind it. This package only owns the transport.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deeprun/kernel/internal/planner"
)

// HTTPProvider calls a single JSON-in/JSON-out endpoint: POST the opaque
// input map, decode a ProviderOutput-shaped response. Any backend that
// speaks this small contract (a local model server, a hosted API, a test
// fixture server) can serve as the kernel's code generator without the
// kernel itself knowing anything about it.
type HTTPProvider struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPProvider builds an HTTPProvider with a bounded default client
// timeout; callers needing a different budget can set the returned
// provider's Client.Timeout.
func NewHTTPProvider(endpoint string) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Generate implements planner.Provider.
func (p *HTTPProvider) Generate(ctx context.Context, input map[string]any) (planner.ProviderOutput, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return planner.ProviderOutput{}, fmt.Errorf("provider: marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return planner.ProviderOutput{}, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return planner.ProviderOutput{}, fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return planner.ProviderOutput{}, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return planner.ProviderOutput{}, fmt.Errorf("provider: backend returned %d: %s", resp.StatusCode, string(raw))
	}

	var out planner.ProviderOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return planner.ProviderOutput{}, fmt.Errorf("provider: decode response: %w", err)
	}
	return out, nil
}
