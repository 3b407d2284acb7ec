package governor

import "fmt"

// Limit names reported in ResourceLimitExceeded.
const (
	LimitActiveSwarms       = "maxActiveSwarms"
	LimitSwarmSize          = "maxSwarmSize"
	LimitParallelAgents     = "maxParallelAgents"
	LimitIterations         = "maxIterations"
	LimitConversationLength = "maxConversationLength"
)

// Limits are the swarm ceilings.
type Limits struct {
	MaxIterations         int `json:"max_iterations" mapstructure:"max_iterations"`
	MaxParallelAgents     int `json:"max_parallel_agents" mapstructure:"max_parallel_agents"`
	MaxSwarmSize          int `json:"max_swarm_size" mapstructure:"max_swarm_size"`
	MaxActiveSwarms       int `json:"max_active_swarms" mapstructure:"max_active_swarms"`
	MaxConversationLength int `json:"max_conversation_length" mapstructure:"max_conversation_length"`
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:         10,
		MaxParallelAgents:     3,
		MaxSwarmSize:          5,
		MaxActiveSwarms:       3,
		MaxConversationLength: 50,
	}
}

// Validate rejects non-positive ceilings.
func (l Limits) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{LimitIterations, l.MaxIterations},
		{LimitParallelAgents, l.MaxParallelAgents},
		{LimitSwarmSize, l.MaxSwarmSize},
		{LimitActiveSwarms, l.MaxActiveSwarms},
		{LimitConversationLength, l.MaxConversationLength},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", c.name, c.value)
		}
	}
	return nil
}

// LimitsSource supplies the current limits.
type LimitsSource interface {
	Limits() Limits
}

// StaticLimits is a LimitsSource that never changes.
type StaticLimits Limits

// Limits implements LimitsSource.
func (s StaticLimits) Limits() Limits { return Limits(s) }

// LimitsFunc adapts a function to LimitsSource.
type LimitsFunc func() Limits

// Limits calls f.
func (f LimitsFunc) Limits() Limits { return f() }
