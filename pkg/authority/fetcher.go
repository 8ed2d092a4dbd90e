package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/donnacn/saturn/pkg/httpx"
	"github.com/donnacn/saturn/pkg/metrics"
	"github.com/donnacn/saturn/pkg/store"
)

// Fetcher retrieves a remote party's authority object by URL. nonCached is a
// caller-side instruction: bypass every cache between here and the origin.
type Fetcher interface {
	ProviderAuthority(ctx context.Context, url string, nonCached bool) (*VerifiedProviderAuthority, error)
	PayeeAuthority(ctx context.Context, url string, nonCached bool) (*VerifiedPayeeAuthority, error)
}

// HTTPFetcher fetches authority objects over HTTP GET, keeping a TTL-bounded
// copy of the raw signed bytes in the shared cache. Decoding and signature
// verification always run on whatever bytes are returned, cached or not.
type HTTPFetcher struct {
	Client     *http.Client
	Cache      store.Cache
	CacheTTL   time.Duration
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Metrics    *metrics.Registry
}

func (f *HTTPFetcher) ProviderAuthority(ctx context.Context, url string, nonCached bool) (*VerifiedProviderAuthority, error) {
	raw, err := f.fetch(ctx, url, nonCached)
	if err != nil {
		return nil, err
	}
	return DecodeProviderAuthority(raw, url, time.Now())
}

func (f *HTTPFetcher) PayeeAuthority(ctx context.Context, url string, nonCached bool) (*VerifiedPayeeAuthority, error) {
	raw, err := f.fetch(ctx, url, nonCached)
	if err != nil {
		return nil, err
	}
	return DecodePayeeAuthority(raw, url, time.Now())
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string, nonCached bool) (json.RawMessage, error) {
	cacheKey := "authority:" + url
	if !nonCached && f.Cache != nil {
		// a miss or cache trouble is not fatal; fall through to the origin
		if cached, err := f.Cache.Get(ctx, cacheKey); err == nil && cached != "" {
			return json.RawMessage(cached), nil
		}
	}
	if f.Metrics != nil {
		f.Metrics.IncAuthorityFetch()
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var headers map[string]string
	if nonCached {
		headers = map[string]string{
			"Cache-Control": "no-cache",
			"Pragma":        "no-cache",
		}
	}
	status, body, err := httpx.RequestJSON(fetchCtx, f.Client, http.MethodGet, url, nil, headers, f.Retries, f.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, status)
	}
	if f.Cache != nil && f.CacheTTL > 0 {
		_ = f.Cache.Set(ctx, cacheKey, string(body), f.CacheTTL)
	}
	return body, nil
}
