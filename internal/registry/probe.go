package registry

import (
	"context"
	"io"
	"net/http"
)

// Probe issues a health request against url and returns the HTTP status.
// A transport failure returns a non-nil error.
type Probe func(ctx context.Context, url string) (int, error)

// HTTPProbe returns a Probe backed by client. The response body is drained
// so the connection can be reused by the next sweep.
func HTTPProbe(client *http.Client) Probe {
	return func(ctx context.Context, url string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("User-Agent", "service-gateway-health/1.0")
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
		return resp.StatusCode, nil
	}
}
