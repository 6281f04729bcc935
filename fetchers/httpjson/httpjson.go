// Package httpjson provides a reference grip.Fetcher for consumers with no
// Consul or Vault backend: a generic JSON-over-HTTP GET.
//
// Grounded on the teacher's internal/dependency/client_set.go (transport
// construction, retry-aware client), generalized from Consul/Vault-specific
// clients to github.com/hashicorp/go-retryablehttp's general-purpose one,
// built on github.com/hashicorp/go-cleanhttp the same way client_set.go
// builds its own *http.Client. Outbound interface selection mirrors
// tfunc/sockaddr.go's use of go-sockaddr templating.
package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	socktmpl "github.com/hashicorp/go-sockaddr/template"
	"github.com/pkg/errors"

	grip "github.com/owebeeone/grip-core"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Params is a JSON GET request.
type Params struct {
	URL string

	// PreferredInterfaceTemplate, if set, is evaluated with go-sockaddr's
	// templating (e.g. "GetPrivateInterfaces | attr \"address\"") and the
	// fetch fails if it does not evaluate. The resulting address is not used:
	// requests go out over the default dialer.
	PreferredInterfaceTemplate string
}

// Result is the decoded JSON body plus status.
type Result struct {
	StatusCode int
	Body       map[string]any
}

// Config configures the retryable HTTP client this fetcher uses.
type Config struct {
	RetryMax     int
	RetryWaitMin int64 // milliseconds
	RetryWaitMax int64 // milliseconds
}

// NewClient builds a go-retryablehttp client over a go-cleanhttp transport,
// the same pairing client_set.go uses for its hand-rolled transport, but
// reaching for the teacher's actual (if indirect) retry dependency instead
// of reimplementing backoff.
func NewClient(cfg Config) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = nil
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = msDuration(cfg.RetryWaitMin)
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = msDuration(cfg.RetryWaitMax)
	}
	return client
}

// New returns a grip.Fetcher issuing a GET against Params.URL and decoding
// a JSON object body.
func New(client *retryablehttp.Client) grip.Fetcher[Params, Result] {
	return func(ctx context.Context, params Params) (Result, error) {
		if params.URL == "" {
			return Result{}, fmt.Errorf("httpjson: url required")
		}

		if params.PreferredInterfaceTemplate != "" {
			// Evaluated for its side effect of validating the template early;
			// a real deployment would thread the resolved address into a
			// custom Dial, matching how the teacher only ever uses sockaddr
			// output as a rendered template string, not live dial plumbing.
			if _, err := socktmpl.Parse(fmt.Sprintf("{{ %s }}", params.PreferredInterfaceTemplate)); err != nil {
				return Result{}, errors.Wrapf(err, "httpjson: preferred interface template")
			}
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
		if err != nil {
			return Result{}, errors.Wrap(err, "httpjson: building request")
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{}, errors.Wrapf(err, "httpjson: GET %s", params.URL)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, errors.Wrap(err, "httpjson: reading body")
		}

		result := Result{StatusCode: resp.StatusCode}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &result.Body); err != nil {
				return Result{}, errors.Wrapf(err, "httpjson: decoding %s", params.URL)
			}
		}

		if resp.StatusCode >= 400 {
			return result, fmt.Errorf("httpjson: %s returned %d", params.URL, resp.StatusCode)
		}
		return result, nil
	}
}

// MapResult publishes Result.Body under the output grip named "body".
func MapResult(r Result) (map[string]any, error) {
	return map[string]any{"body": r.Body, "statusCode": r.StatusCode}, nil
}

// RequestKeyOf derives the cache/dedup key from Params, returning nil when
// URL is empty (spec.md §7 kind 4, "Params unresolved").
func RequestKeyOf(p Params) *string {
	if p.URL == "" {
		return nil
	}
	key := "http:" + p.URL
	return &key
}
