package source

import (
	"context"
	"io"
	"net/http"

	"github.com/johnayoung/go-kline-collector/internal/errors"
)

// get performs a single GET and returns the body of a 2xx response. Headers
// are reported to the observer whatever the status, so a 429 still pauses
// the throttle.
func (s *settings) get(ctx context.Context, source, operation, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.SourceRequestFailed(source, operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Canceled(operation, ctx.Err())
		}
		return nil, errors.SourceRequestFailed(source, operation, err)
	}
	defer resp.Body.Close()

	if s.observer != nil {
		s.observer.Observe(resp.Header)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.SourceRequestFailed(source, operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("source returned non-success status",
			"source", source,
			"status", resp.StatusCode,
			"retry_after", resp.Header.Get("Retry-After"))
		return nil, errors.SourceStatus(source, operation, resp.StatusCode, string(body))
	}

	return body, nil
}
