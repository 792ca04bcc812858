package authz

import "net/http"

// PersonaAuthorizer drives cookie-based login for a Mozilla Persona
// assertion registered out of band (typically lifted off the replication's
// RemoteURL query string by the caller).
type PersonaAuthorizer struct {
	Assertion string
}

// NewPersonaAuthorizer wraps a Persona assertion for cookie-based login.
func NewPersonaAuthorizer(assertion string) *PersonaAuthorizer {
	return &PersonaAuthorizer{Assertion: assertion}
}

func (a *PersonaAuthorizer) UsesCookieBasedLogin() bool { return true }

func (a *PersonaAuthorizer) LoginParametersForSite(remoteURL string) map[string]string {
	return map[string]string{"assertion": a.Assertion}
}

func (a *PersonaAuthorizer) LoginPathForSite(remoteURL string) string { return "/_persona" }

func (a *PersonaAuthorizer) Authorize(header http.Header) error { return nil }

func (a *PersonaAuthorizer) GetHTTPClientFactory() (func() *http.Client, bool) { return nil, false }

// FacebookAuthorizer drives cookie-based login for a Facebook access token,
// registered against an email address the caller has already verified owns
// the token.
type FacebookAuthorizer struct {
	AccessToken string
	Email       string
}

// NewFacebookAuthorizer wraps a Facebook access token and its owning email
// for cookie-based login.
func NewFacebookAuthorizer(accessToken, email string) *FacebookAuthorizer {
	return &FacebookAuthorizer{AccessToken: accessToken, Email: email}
}

func (a *FacebookAuthorizer) UsesCookieBasedLogin() bool { return true }

func (a *FacebookAuthorizer) LoginParametersForSite(remoteURL string) map[string]string {
	return map[string]string{"access_token": a.AccessToken}
}

func (a *FacebookAuthorizer) LoginPathForSite(remoteURL string) string { return "/_facebook" }

func (a *FacebookAuthorizer) Authorize(header http.Header) error { return nil }

func (a *FacebookAuthorizer) GetHTTPClientFactory() (func() *http.Client, bool) { return nil, false }
