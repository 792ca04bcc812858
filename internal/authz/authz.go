// Package authz defines the Authorizer capability contract ReplicationCore
// drives during its startup sequence, and ships four concrete
// implementations: cookie-based interactive login, bearer-token
// service-to-service auth, and the Persona and Facebook assertion/token
// logins.
package authz

import "net/http"

// Authorizer injects per-remote credentials into a replication. Long-lived
// and safe for concurrent use across replications.
type Authorizer interface {
	// UsesCookieBasedLogin reports whether ReplicationCore should drive
	// the checkSession/login HTTP flow (§4.7 step 3) for this authorizer,
	// as opposed to attaching credentials to every request itself.
	UsesCookieBasedLogin() bool

	// LoginParametersForSite returns the POST body fields for the login
	// request against remoteURL, or nil if this authorizer has nothing to
	// contribute for that site.
	LoginParametersForSite(remoteURL string) map[string]string

	// LoginPathForSite returns the path (relative to remoteURL) the login
	// POST is issued against.
	LoginPathForSite(remoteURL string) string

	// Authorize attaches this authorizer's credentials to an outgoing
	// request header, for authorizers that don't use cookie-based login.
	Authorize(header http.Header) error

	// GetHTTPClientFactory optionally overrides how the Transport's
	// underlying *http.Client is constructed (e.g. for mTLS). The second
	// return value is false when the authorizer has no override.
	GetHTTPClientFactory() (func() *http.Client, bool)
}
