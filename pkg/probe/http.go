package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxBodyBytes bounds how much of a response body is read for matching.
const maxBodyBytes = 1 << 20

// HTTPProbe issues a GET against a published port and checks the status
// code and, optionally, the body.
type HTTPProbe struct {
	internal int
	path     string
	status   int
	contains string
	client   *http.Client
}

// HTTP waits until GET http://host:<published internal>/<path> answers
// with status 200. Use WithStatus and WithBodyContaining to refine.
func HTTP(internal int, path string) *HTTPProbe {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProbe{
		internal: internal,
		path:     path,
		status:   http.StatusOK,
		client:   &http.Client{},
	}
}

// WithStatus sets the expected status code.
func (p *HTTPProbe) WithStatus(code int) *HTTPProbe {
	p.status = code
	return p
}

// WithBodyContaining additionally requires the body to contain s.
func (p *HTTPProbe) WithBodyContaining(s string) *HTTPProbe {
	p.contains = s
	return p
}

// Check issues one GET. Connection errors and unexpected statuses are
// retried by Wait; a request that cannot even be built is permanent.
func (p *HTTPProbe) Check(ctx context.Context, t Target) error {
	port, ok := FindPort(t, p.internal)
	if !ok {
		return portError(t, p.internal)
	}

	url := "http://" + port.Address() + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Permanent(fmt.Errorf("building request for %s: %w", url, err))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The body is read even when only the status matters, so the
	// connection is reusable by the next attempt.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("GET %s: reading body: %w", url, err)
	}

	if resp.StatusCode != p.status {
		return fmt.Errorf("GET %s: status %d, want %d", url, resp.StatusCode, p.status)
	}
	if p.contains != "" && !strings.Contains(string(body), p.contains) {
		return fmt.Errorf("GET %s: body does not contain %q", url, p.contains)
	}
	return nil
}

func (p *HTTPProbe) String() string {
	s := fmt.Sprintf("http GET :%d%s -> %d", p.internal, p.path, p.status)
	if p.contains != "" {
		s += fmt.Sprintf(" containing %q", p.contains)
	}
	return s
}
