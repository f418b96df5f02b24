package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

// Scope narrows an apply run to a single phase or component. The zero value
// covers the whole manifest.
type Scope struct {
	Phase     int
	Component string
}

// All reports whether the scope covers the whole manifest
func (s Scope) All() bool {
	return s.Phase == 0 && s.Component == ""
}

func (s Scope) includes(c *types.Component) bool {
	if s.Component != "" {
		return c.Name == s.Component
	}
	if s.Phase != 0 {
		return c.Phase == s.Phase
	}
	return true
}

// Plan resolves every in-scope component's target version, probes what is
// currently installed, and builds the phase-ordered plan. Plan never mutates
// anything; it is safe to call while another run holds the lock.
func (o *Orchestrator) Plan(ctx context.Context, scope Scope) (*types.Plan, error) {
	byPhase := make(map[int][]*types.ComponentAction)

	for _, c := range o.manifest.Components {
		if !scope.includes(c) {
			continue
		}

		res, err := o.resolver.Resolve(ctx, c)
		if err != nil {
			return nil, err
		}

		installed, err := o.prober.InstalledVersion(ctx, c)
		if err != nil {
			return nil, err
		}

		action := &types.ComponentAction{
			Component: c,
			From:      installed,
			To:        res.Version,
			Source:    res.Source,
		}
		if version.Equal(installed, res.Version) {
			action.Reason = types.ReasonUpToDate
		}
		byPhase[c.Phase] = append(byPhase[c.Phase], action)
	}

	phases := make([]int, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	plan := &types.Plan{BuiltAt: time.Now()}
	for _, p := range phases {
		actions := byPhase[p]
		sortByDependency(actions)
		plan.Phases = append(plan.Phases, &types.PhasePlan{
			Phase:   p,
			Risk:    phaseRisk(actions),
			Actions: actions,
		})
	}
	return plan, nil
}

// phaseRisk is the highest risk tier among the phase's components
func phaseRisk(actions []*types.ComponentAction) types.Risk {
	rank := map[types.Risk]int{types.RiskLow: 0, types.RiskMedium: 1, types.RiskHigh: 2}
	risk := types.RiskLow
	for _, a := range actions {
		if rank[a.Component.Risk] > rank[risk] {
			risk = a.Component.Risk
		}
	}
	return risk
}

// sortByDependency orders actions so that every component appears after its
// in-phase dependencies, keeping manifest order among peers. Cycles are
// rejected at manifest load, so the walk always terminates.
func sortByDependency(actions []*types.ComponentAction) {
	inPhase := make(map[string]*types.ComponentAction, len(actions))
	for _, a := range actions {
		inPhase[a.Component.Name] = a
	}

	var ordered []*types.ComponentAction
	visited := make(map[string]bool, len(actions))

	var visit func(a *types.ComponentAction)
	visit = func(a *types.ComponentAction) {
		if visited[a.Component.Name] {
			return
		}
		visited[a.Component.Name] = true
		for _, dep := range a.Component.DependsOn {
			if d, ok := inPhase[dep]; ok {
				visit(d)
			}
		}
		ordered = append(ordered, a)
	}
	for _, a := range actions {
		visit(a)
	}
	copy(actions, ordered)
}
