package authz

import (
	"context"

	"github.com/pitabwire/taskgate/model"
)

// PolicyClient asks a policy decision point whether principal may perform
// action on resource.
type PolicyClient interface {
	Check(ctx context.Context, principal model.Principal, resource model.Resource, action model.Action) (bool, error)
}
