package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"xfeed/internal/application/port"
)

// NewHTTPClient returns the client used for venue REST calls.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// HTTPError is a non-2xx venue response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, string(e.Body))
}

// Is maps 401 and 403 to port.ErrUnauthorized.
func (e *HTTPError) Is(target error) bool {
	return target == port.ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// DoJSON sends req and decodes a 2xx JSON body into out (when non-nil).
// Other statuses return *HTTPError.
func DoJSON(ctx context.Context, client *http.Client, limiter port.Reserver, req *http.Request, out any) error {
	if limiter != nil {
		if err := limiter.Reserve(ctx); err != nil {
			return err
		}
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
