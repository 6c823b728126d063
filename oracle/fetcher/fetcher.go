package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const MaxBodySize = 1 << 20

var (
	once      sync.Once
	transport *http.Transport
)

func sharedTransport() *http.Transport {
	once.Do(func() {
		transport = new(http.Transport)
		transport.Proxy = http.ProxyFromEnvironment
		transport.MaxIdleConns = 1000
		transport.MaxIdleConnsPerHost = 100
		transport.IdleConnTimeout = 90 * time.Second
		transport.MaxConnsPerHost = 200
		transport.WriteBufferSize = 32 * 1024
		transport.ReadBufferSize = 32 * 1024
	})

	return transport
}

// Fetcher performs the outbound api call for an oracle. It never returns an
// error value; failures are carried in the FetchResult.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a fetcher. rps <= 0 disables rate limiting.
func New(rps float64) *Fetcher {
	f := &Fetcher{client: &http.Client{Transport: sharedTransport()}}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, apiURL string, timeout time.Duration) types.FetchResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := f.fetch(ctx, apiURL)
	if err != nil {
		return types.FetchResult{Err: err, FetchedAt: time.Now()}
	}
	return types.FetchResult{Payload: payload, FetchedAt: time.Now()}
}

func (f *Fetcher) fetch(ctx context.Context, apiURL string) ([]byte, *types.FetchError) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &types.FetchError{Kind: types.FetchTimeout, Err: errors.Wrap(err, "rate limit")}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, &types.FetchError{Kind: types.FetchNetworkError, Err: errors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("User-Agent", "oracled/1.0")
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, MaxBodySize))
		return nil, &types.FetchError{
			Kind:   types.FetchHTTPError,
			Status: res.StatusCode,
			Err:    fmt.Errorf("unexpected status %s", res.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxBodySize+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(body) > MaxBodySize {
		return nil, &types.FetchError{Kind: types.FetchNetworkError, Err: fmt.Errorf("response body exceeds %d bytes", MaxBodySize)}
	}

	return body, nil
}

func classify(ctx context.Context, err error) *types.FetchError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &types.FetchError{Kind: types.FetchTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &types.FetchError{Kind: types.FetchTimeout, Err: err}
	}

	return &types.FetchError{Kind: types.FetchNetworkError, Err: err}
}
