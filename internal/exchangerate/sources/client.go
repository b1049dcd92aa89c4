package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// Doer is the slice of *fasthttp.Client used by the sources.
type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

const (
	defaultTimeout = 3 * time.Second
	userAgent      = "settlement-rates/1.0"
)

// NewClient returns a fasthttp client tuned for small upstream JSON and HTML reads.
func NewClient() *fasthttp.Client {
	return &fasthttp.Client{
		Name:                userAgent,
		ReadTimeout:         defaultTimeout,
		WriteTimeout:        defaultTimeout,
		MaxIdleConnDuration: time.Minute,
		MaxResponseBodySize: 2 << 20,
	}
}

// get issues a GET bounded by the context deadline and returns a copy of the body.
func get(ctx context.Context, client Doer, uri string, accept string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", accept)
	req.Header.SetUserAgent(userAgent)

	if err := client.DoDeadline(req, resp, deadline); err != nil {
		if err == fasthttp.ErrTimeout && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", status, req.URI().Host())
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}
