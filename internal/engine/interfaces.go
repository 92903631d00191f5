// Package engine defines the contract every strategy engine satisfies and
// hosts the strategy implementations in subpackages.
package engine

import (
	"context"

	"auto_trader/internal/core"
)

// Strategy is the lifecycle surface the manager drives. Start and Stop are
// synchronous; EmergencyStop cancels all venue-side pendings and is callable
// from any state, including ERROR.
type Strategy interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
	State() core.StrategyState
	Events(limit int) []core.StrategyEvent
	UpdateConfig(partial map[string]interface{}) error
}
