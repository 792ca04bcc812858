// Package transport defines the HttpTransport collaborator the
// replication core issues remote requests through, and ships a
// net/http + net/http/cookiejar backed reference implementation.
//
// The core never constructs an *http.Client itself; it depends only on
// the Transport interface, so tests can substitute an in-memory fake.
package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
)

// Transport issues HTTP requests on behalf of the replication core and
// owns the cookie jar used for session-cookie authentication. The jar is
// internally lock-guarded by net/http/cookiejar; callers must not read or
// mutate cookies directly and instead rely on the jar being applied
// automatically by Do.
type Transport interface {
	// Do issues one HTTP request and returns the response. The caller
	// must close resp.Body. Cancelling ctx aborts the in-flight request.
	Do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error)

	// Jar returns the shared cookie jar, so a caller can inspect whether a
	// login has populated a session cookie for a given URL (used by
	// checkSession-style probes); it must not be mutated directly.
	Jar() http.CookieJar
}

// httpTransport is the default Transport, backed by a single *http.Client
// with an in-memory cookie jar shared across all requests issued through
// it — matching the single cookie-jar-per-manager ownership model in §3.
type httpTransport struct {
	client *http.Client
}

// New returns a Transport backed by http.DefaultTransport with a fresh
// cookie jar. clientFactory, if non-nil, overrides how the underlying
// *http.Client is built (used by Authorizer.GetHTTPClientFactory for
// mTLS or other custom transports).
func New(clientFactory func() *http.Client) Transport {
	if clientFactory != nil {
		return &httpTransport{client: clientFactory()}
	}
	jar, _ := cookiejar.New(nil)
	return &httpTransport{client: &http.Client{Jar: jar}}
}

func (t *httpTransport) Do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return t.client.Do(req)
}

func (t *httpTransport) Jar() http.CookieJar {
	return t.client.Jar
}
