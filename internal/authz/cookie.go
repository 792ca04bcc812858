package authz

import "net/http"

// CookieAuthorizer drives interactive session-cookie login: ReplicationCore
// POSTs Params to LoginPath and relies on the Transport's cookie jar to
// carry the resulting session cookie on subsequent requests.
type CookieAuthorizer struct {
	// Params is the fixed set of login POST body fields ("name" and
	// "password" when built by NewCookieAuthorizer).
	Params map[string]string
	// LoginPath is the path (relative to the remote database's root)
	// login is POSTed to; CouchDB-compatible peers use "/_session".
	LoginPath string
}

// NewCookieAuthorizer creates a CookieAuthorizer that logs in with a fixed
// username/password against loginPath (defaulting to "/_session" if
// empty).
func NewCookieAuthorizer(username, password, loginPath string) *CookieAuthorizer {
	if loginPath == "" {
		loginPath = "/_session"
	}
	return &CookieAuthorizer{
		Params:    map[string]string{"name": username, "password": password},
		LoginPath: loginPath,
	}
}

func (a *CookieAuthorizer) UsesCookieBasedLogin() bool { return true }

func (a *CookieAuthorizer) LoginParametersForSite(remoteURL string) map[string]string {
	return a.Params
}

func (a *CookieAuthorizer) LoginPathForSite(remoteURL string) string { return a.LoginPath }

func (a *CookieAuthorizer) Authorize(header http.Header) error { return nil }

func (a *CookieAuthorizer) GetHTTPClientFactory() (func() *http.Client, bool) { return nil, false }
