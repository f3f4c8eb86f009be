package models

// BranchPlan describes a branch to create, either authored by hand as a YAML
// file or suggested by the planning model. It maps onto a BranchConfig plus
// the create parameters.
type BranchPlan struct {
	Name             string      `json:"name" yaml:"name"`
	Base             string      `json:"base,omitempty" yaml:"base,omitempty"`
	Agents           []AgentSpec `json:"agents" yaml:"agents"`
	Strategy         string      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	MaxConcurrent    int         `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	PerAgentSessions bool        `json:"per_agent_sessions,omitempty" yaml:"per_agent_sessions,omitempty"`
	AutoMerge        bool        `json:"auto_merge,omitempty" yaml:"auto_merge,omitempty"`
	MergeStrategy    string      `json:"merge_strategy,omitempty" yaml:"merge_strategy,omitempty"`
	Rationale        string      `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// Config converts the plan into a BranchConfig, leaving zero values for the
// caller's defaults to fill.
func (p *BranchPlan) Config() BranchConfig {
	return BranchConfig{
		Agents:            p.Agents,
		ExecutionStrategy: ExecutionStrategy(p.Strategy),
		MaxConcurrent:     p.MaxConcurrent,
		PerAgentSessions:  p.PerAgentSessions,
		AutoMerge:         p.AutoMerge,
		MergeStrategy:     p.MergeStrategy,
	}
}
