// Package identity resolves the user/group/site scoping a request carries,
// via three narrow lookup hooks injected at HTTP handler construction
// (httpapi.Config.Hooks): a missing
// lookup means "no scoping by this dimension."
package identity

import "net/http"

// Hooks is the pluggable identity-resolution contract. Any field may be
// nil; Resolve treats a nil hook as "always unknown" for that dimension.
type Hooks struct {
	UserID   func(*http.Request) (string, bool)
	GroupIDs func(*http.Request) []string
	SiteID   func(*http.Request) (string, bool)
}

// Identity is the resolved scoping for one request.
type Identity struct {
	UserID   string
	HasUser  bool
	GroupIDs []string
	SiteID   string
	HasSite  bool
}

// Resolve runs every configured hook against r.
func (h Hooks) Resolve(r *http.Request) Identity {
	var id Identity
	if h.UserID != nil {
		id.UserID, id.HasUser = h.UserID(r)
	}
	if h.GroupIDs != nil {
		id.GroupIDs = h.GroupIDs(r)
	}
	if h.SiteID != nil {
		id.SiteID, id.HasSite = h.SiteID(r)
	}
	return id
}

// NoopHooks resolves nothing; every dimension is unscoped. This is the
// zero value of Hooks, kept as a named constructor for readability at call
// sites that want to be explicit about opting out of identity lookups.
func NoopHooks() Hooks {
	return Hooks{}
}
