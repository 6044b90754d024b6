package actor

import "firmly-accounts/internal/router"

// The destination actor carries a profile singleton with the same merge
// semantics as the user profile, plus the shared team/audit/invite mixin.
func (a *Actor) destinationRoutes() []router.Route {
	routes := []router.Route{
		{Method: "GET", Pattern: "/profile", Handler: a.handleGetDocument("profile")},
		{Method: "PUT", Pattern: "/profile", Handler: a.handleMergeDocument("profile"), NeedsBody: true},
	}
	return append(routes, a.mixinRoutes()...)
}
