// Package httpcall implements the http_get/http_post/http_call effects
// against an upstream HTTP service, reusing the ambient HTTP client
// configuration conventions (timeout, max body bytes).
package httpcall

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/infrastructure/httputil"
)

// Effector performs HTTP effects with a shared client and a cap on
// response body size, mirroring httputil.ClientDefaults.
type Effector struct {
	client       *http.Client
	maxBodyBytes int64
}

// New builds an HTTP effector. A zero timeout/maxBodyBytes falls back
// to httputil.DefaultClientDefaults().
func New(timeout time.Duration, maxBodyBytes int64) (*Effector, error) {
	defaults := httputil.DefaultClientDefaults()
	client, err := httputil.NewClient(httputil.ClientConfig{Timeout: timeout}, defaults)
	if err != nil {
		return nil, errdomain.Internal("httpcall", "client", err)
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaults.MaxBodyBytes
	}
	return &Effector{client: client, maxBodyBytes: maxBodyBytes}, nil
}

func (e *Effector) Do(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	method, url, body := requestShape(eff)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return coordinator.Result{}, errdomain.InvalidInput("httpcall", url)
	}
	for _, h := range eff.Headers {
		req.Header.Add(h[0], h[1])
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return coordinator.Result{}, errdomain.Timeout("httpcall", url)
		}
		return coordinator.Result{}, errdomain.UpstreamUnavailable("httpcall", url, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, e.maxBodyBytes)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return coordinator.Result{}, errdomain.UpstreamUnavailable("httpcall", url, err)
	}

	if resp.StatusCode >= 500 {
		return coordinator.Result{}, errdomain.UpstreamUnavailable("httpcall", url, statusError(resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return coordinator.Result{}, errdomain.InvalidInput("httpcall", url)
	}

	if eff.ExtractPath != "" {
		extracted := gjson.GetBytes(respBody, eff.ExtractPath)
		if !extracted.Exists() {
			return coordinator.Result{}, errdomain.NotFound("httpcall", eff.ExtractPath)
		}
		return coordinator.Result{Bytes: []byte(extracted.Raw), Value: extracted.Value()}, nil
	}
	return coordinator.Result{Bytes: respBody}, nil
}

func requestShape(eff decision.Effect) (method, url string, body []byte) {
	switch eff.Kind {
	case decision.EffectHTTPGet:
		return http.MethodGet, eff.URL, nil
	case decision.EffectHTTPPost:
		return http.MethodPost, eff.URL, eff.Body
	default: // http_call: method carried explicitly on the effect
		m := eff.Method
		if m == "" {
			m = http.MethodGet
		}
		return m, eff.URL, eff.Body
	}
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

func statusError(code int) error { return &httpStatusError{code: code} }
