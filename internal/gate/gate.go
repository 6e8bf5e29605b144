// Package gate defines the authorization gate consulted before any request is
// forwarded upstream. The policy itself lives outside this service; the proxy
// only depends on the interface and ships a pass-through default.
package gate

import (
	"net/http"
)

// Authorizer decides whether a request may use the proxy for a provider.
// A nil return means the request may proceed; the returned error becomes the
// unauthorized response payload.
type Authorizer interface {
	Authorize(r *http.Request, provider string) error
}

// AllowAll is the default gate: every request passes.
type AllowAll struct{}

// Authorize always permits the request.
func (AllowAll) Authorize(_ *http.Request, _ string) error {
	return nil
}

// NewAllowAll returns the pass-through gate as an Authorizer.
func NewAllowAll() Authorizer {
	return AllowAll{}
}

// Verify AllowAll implements Authorizer.
var _ Authorizer = AllowAll{}
