// Package tenant carries the explicit agency scope threaded through every
// matching, attribution, and storage call. Nothing in the engine reads tenant
// identity from ambient state.
package tenant

import "errors"

// ErrMissingAgency is returned when a Context without an agency id reaches a
// scoped operation.
var ErrMissingAgency = errors.New("tenant: missing agency id")

// Context identifies the agency a request operates on behalf of.
type Context struct {
	AgencyID string
}

// Validate reports whether the context names an agency.
func (c Context) Validate() error {
	if c.AgencyID == "" {
		return ErrMissingAgency
	}
	return nil
}
