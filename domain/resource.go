package domain

import "context"

// ResourceKind separates identity resources (user claims) from protected APIs.
type ResourceKind string

const (
	ResourceKindIdentity ResourceKind = "identity"
	ResourceKindAPI      ResourceKind = "api"
)

// Standard identity scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// Resource is a protected resource or a set of identity claims that scopes refer to.
type Resource struct {
	Name        string       `bson:"_id"                   json:"name"                   yaml:"name"`
	Kind        ResourceKind `bson:"kind"                  json:"kind"                   yaml:"kind"`
	DisplayName string       `bson:"display_name,omitempty" json:"display_name,omitempty" yaml:"display_name,omitempty"`
	// Scopes offered by this resource. Identity resources usually offer one
	// scope named after the resource.
	Scopes []string `bson:"scopes" json:"scopes" yaml:"scopes"`
	// Claims are the user claim types included when one of the scopes is granted.
	Claims []string `bson:"claims,omitempty" json:"claims,omitempty" yaml:"claims,omitempty"`
}

// ResourceRepository stores identity resources and API resources.
type ResourceRepository interface {
	CreateResource(ctx context.Context, resource *Resource) error
	ListResources(ctx context.Context) ([]*Resource, error)
	DeleteResource(ctx context.Context, name string) error
}
