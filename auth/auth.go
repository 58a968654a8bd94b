// Package auth declares the identity collaborator the query layer reads the
// current user from. Authentication itself lives outside this module.
package auth

import "context"

// Identity describes the signed-in user.
type Identity struct {
	ID       string `json:"id"`
	FullName string `json:"fullName,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Provider returns the current identity.
type Provider interface {
	GetIdentity(ctx context.Context) (Identity, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Identity, error)

func (f ProviderFunc) GetIdentity(ctx context.Context) (Identity, error) { return f(ctx) }

// Anonymous is the identity reported when no provider is configured.
var Anonymous = Identity{ID: ""}
