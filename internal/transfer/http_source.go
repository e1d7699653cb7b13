package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPSource fetches objects over HTTP(S), resuming with Range requests.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource returns a source using client. A nil client gets an otelhttp
// instrumented transport and no overall timeout; callers bound transfers with contexts.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &HTTPSource{client: client}
}

func (s *HTTPSource) Open(ctx context.Context, u *url.URL, offset int64) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &OriginRejectedError{Locator: u.Redacted(), Reason: "invalid request", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		return nil, &NetworkError{Operation: "open", Message: err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start == offset {
			return &Stream{Body: resp.Body, Offset: offset, Total: total}, nil
		}

		// A range we did not ask for cannot be spliced onto the partial file.
		resp.Body.Close()

		return s.Open(ctx, u, 0)

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		total := resp.ContentLength
		if total < 0 {
			total = 0
		}

		return &Stream{Body: resp.Body, Total: total}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		drain(resp.Body)

		return s.Open(ctx, u, 0)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		drain(resp.Body)

		return nil, &OriginRejectedError{
			Locator:    u.Redacted(),
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
		}

	default:
		drain(resp.Body)

		return nil, &NetworkError{
			Operation:  "open",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
}

// parseContentRange reads "bytes start-end/total". A total of "*" is reported as 0.
func parseContentRange(v string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}

	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}

	return start, total, true
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	body.Close()
}
