// Package tenant maps logical resource types to the physical collections of
// a tenant.
package tenant

import (
	"fmt"
	"regexp"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

var validTenant = regexp.MustCompile(`^[a-z][a-z0-9]{0,30}$`)

// Resolver names the collections of one tenant.
type Resolver struct {
	tenant string
}

// New returns the resolver of a tenant. Tenant names are lowercase
// alphanumerics starting with a letter.
func New(tenant string) (*Resolver, error) {
	if !validTenant.MatchString(tenant) {
		return nil, model.NewConfigurationError("tenant", fmt.Sprintf("invalid tenant name %q", tenant))
	}
	return &Resolver{tenant: tenant}, nil
}

// Tenant returns the tenant name.
func (r *Resolver) Tenant() string { return r.tenant }

// Collection returns the collection holding a resource type.
func (r *Resolver) Collection(resourceType string) string {
	return r.tenant + "_" + resourceType
}

// Cursors returns the collection holding server-resident paging state.
func (r *Resolver) Cursors() string {
	return r.tenant + "_cursors"
}
