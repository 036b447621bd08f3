package workflow

import (
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"go.temporal.io/sdk/temporal"
	temporalwf "go.temporal.io/sdk/workflow"
)

// Tier selects how a node type is run by the substrate.
type Tier string

const (
	// TierLocal runs in the workflow worker without a task queue round trip.
	TierLocal Tier = "local"
	// TierStandard runs as a regular activity with retries.
	TierStandard Tier = "standard"
)

var Tiers = map[models.NodeType]Tier{
	models.NodeTypeTransform:       TierLocal,
	models.NodeTypeBranch:          TierLocal,
	models.NodeTypeSuccess:         TierLocal,
	models.NodeTypeFailure:         TierLocal,
	models.NodeTypeContextOverride: TierLocal,
	models.NodeTypeDelegate:        TierLocal,
	models.NodeTypeProcessor:       TierLocal,
	models.NodeTypeInstruction:     TierLocal,
	models.NodeTypeHTTP:            TierStandard,
	models.NodeTypeWait:            TierStandard,
}

// TierOf returns the tier of t. Unlisted types run as standard activities.
func TierOf(t models.NodeType) Tier {
	if tier, ok := Tiers[t]; ok {
		return tier
	}

	return TierStandard
}

type Options struct {
	Local    temporalwf.LocalActivityOptions
	Standard temporalwf.ActivityOptions
}

func DefaultOptions() Options {
	return Options{
		Local: temporalwf.LocalActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		},
		Standard: temporalwf.ActivityOptions{
			StartToCloseTimeout: 60 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2.0,
				MaximumAttempts:    3,
			},
		},
	}
}
