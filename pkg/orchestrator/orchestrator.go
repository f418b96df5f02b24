package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/obstack/upctl/pkg/backup"
	"github.com/obstack/upctl/pkg/config"
	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/events"
	"github.com/obstack/upctl/pkg/executor"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/state"
	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

// Orchestrator walks an upgrade plan phase by phase under the exclusive
// state lock, delegating each component to the executor.
type Orchestrator struct {
	manifest *config.Manifest
	policy   types.Policy
	resolver *version.Resolver
	prober   executor.VersionProber
	exec     *executor.Executor
	store    *state.Store
	backups  *backup.Manager
	broker   *events.Broker
	logger   zerolog.Logger
}

// Config wires an orchestrator's collaborators
type Config struct {
	Manifest *config.Manifest
	Policy   types.Policy
	Resolver *version.Resolver
	Prober   executor.VersionProber
	Executor *executor.Executor
	Store    *state.Store
	Backups  *backup.Manager
	Broker   *events.Broker
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	prober := cfg.Prober
	if prober == nil {
		prober = executor.NewExecProber()
	}
	return &Orchestrator{
		manifest: cfg.Manifest,
		policy:   cfg.Policy,
		resolver: cfg.Resolver,
		prober:   prober,
		exec:     cfg.Executor,
		store:    cfg.Store,
		backups:  cfg.Backups,
		broker:   cfg.Broker,
		logger:   log.WithComponent("orchestrator"),
	}
}

// Apply derives a plan for scope and executes it. Phases run strictly in
// ascending order; within a low-risk phase, components without dependency
// edges between them run concurrently up to policy MaxParallel. Exactly one
// run holds the state lock for its full duration.
func (o *Orchestrator) Apply(ctx context.Context, scope Scope, mode types.Mode) (*types.UpgradeState, error) {
	if mode == "" {
		mode = o.policy.DefaultMode
	}

	upgradeID := uuid.NewString()
	if err := o.store.Lock(o.policy.LockTimeout.Std(), upgradeID); err != nil {
		return nil, err
	}
	defer o.store.Unlock()

	prior, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	if prior.Status == types.RunStatusInProgress || prior.Status == types.RunStatusFailed {
		return nil, errdefs.Validationf(
			"previous run %s ended %s; use resume or rollback before starting a new run",
			prior.UpgradeID, prior.Status)
	}
	if prior.Status == types.RunStatusRolledBack && prior.UpgradeID != "" {
		// Preserve the rolled back run in history before overwriting it
		if err := o.store.ArchiveAndReset(); err != nil {
			return nil, err
		}
	}

	plan, err := o.Plan(ctx, scope)
	if err != nil {
		return nil, err
	}

	logger := log.WithUpgradeID(upgradeID)
	logger.Info().Str("mode", string(mode)).Int("phases", len(plan.Phases)).Msg("starting upgrade run")
	o.publish(events.EventRunStarted, upgradeID, "")

	_, err = o.store.AtomicUpdate(func(st *types.UpgradeState) error {
		*st = types.UpgradeState{
			UpgradeID:      upgradeID,
			Status:         types.RunStatusInProgress,
			Mode:           mode,
			ScopePhase:     scope.Phase,
			ScopeComponent: scope.Component,
			Components:     make(map[string]*types.ComponentState),
			StartedAt:      time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	failed := make(map[string]error)
	var mu sync.Mutex

	for _, phase := range plan.Phases {
		if mode == types.ModeSafe {
			if len(failed) > 0 {
				break
			}
			if err := o.store.Checkpoint(fmt.Sprintf("phase-%d", phase.Phase)); err != nil {
				return nil, err
			}
		}

		if _, err := o.store.AtomicUpdate(func(st *types.UpgradeState) error {
			st.CurrentPhase = phase.Phase
			return nil
		}); err != nil {
			return nil, err
		}

		o.publish(events.EventPhaseStarted, upgradeID, fmt.Sprintf("phase %d", phase.Phase))
		o.runPhase(ctx, phase, mode, failed, &mu)
		o.publish(events.EventPhaseCompleted, upgradeID, fmt.Sprintf("phase %d", phase.Phase))
	}

	return o.finalize(upgradeID, failed)
}

// runPhase executes one phase's actions, recording failures in failed.
// Components whose dependencies failed or were skipped are skipped in turn.
func (o *Orchestrator) runPhase(ctx context.Context, phase *types.PhasePlan, mode types.Mode, failed map[string]error, mu *sync.Mutex) {
	concurrent := phase.Risk == types.RiskLow && o.policy.MaxParallel > 1

	if !concurrent {
		for _, a := range phase.Actions {
			if o.shouldSkip(a, mode, failed, mu) {
				continue
			}
			if err := o.exec.Upgrade(ctx, a); err != nil {
				mu.Lock()
				failed[a.Component.Name] = err
				mu.Unlock()
			}
		}
		return
	}

	done := make(map[string]chan struct{}, len(phase.Actions))
	for _, a := range phase.Actions {
		done[a.Component.Name] = make(chan struct{})
	}
	sem := make(chan struct{}, o.policy.MaxParallel)
	var wg sync.WaitGroup

	for _, a := range phase.Actions {
		wg.Add(1)
		go func(a *types.ComponentAction) {
			defer wg.Done()
			defer close(done[a.Component.Name])

			// Serialize behind in-phase dependencies
			for _, dep := range a.Component.DependsOn {
				if ch, ok := done[dep]; ok {
					<-ch
				}
			}
			if o.shouldSkip(a, mode, failed, mu) {
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := o.exec.Upgrade(ctx, a); err != nil {
				mu.Lock()
				failed[a.Component.Name] = err
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()
}

// shouldSkip reports whether action must not run: the run is halting in safe
// mode, or a dependency already failed. Skips are recorded so that transitive
// dependents skip as well.
func (o *Orchestrator) shouldSkip(a *types.ComponentAction, mode types.Mode, failed map[string]error, mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()

	if mode == types.ModeSafe && len(failed) > 0 {
		o.publish(events.EventComponentSkipped, a.Component.Name, "run halted")
		return true
	}
	for _, dep := range a.Component.DependsOn {
		if cause, ok := failed[dep]; ok {
			err := fmt.Errorf("dependency %s did not complete: %w", dep, cause)
			failed[a.Component.Name] = err
			o.publish(events.EventComponentSkipped, a.Component.Name, err.Error())
			o.logger.Warn().Str("component", a.Component.Name).Err(err).Msg("skipping component")
			return true
		}
	}
	return false
}

// finalize records the terminal run status. A fully successful run is
// archived to history and the live state reset to idle; a failed run is
// retained so resume and rollback can pick it up.
func (o *Orchestrator) finalize(upgradeID string, failed map[string]error) (*types.UpgradeState, error) {
	status := types.RunStatusCompleted
	if len(failed) > 0 {
		status = types.RunStatusFailed
	}

	final, err := o.store.AtomicUpdate(func(st *types.UpgradeState) error {
		st.Status = status
		st.CurrentComponent = ""
		st.FinishedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status == types.RunStatusFailed {
		o.publish(events.EventRunFailed, upgradeID, fmt.Sprintf("%d component(s) failed", len(failed)))
		var first error
		for name, cause := range failed {
			first = fmt.Errorf("component %s: %w", name, cause)
			break
		}
		return final, first
	}

	o.publish(events.EventRunCompleted, upgradeID, "")
	if err := o.store.ArchiveAndReset(); err != nil {
		return final, err
	}
	if err := o.backups.Prune(o.policy.Retention); err != nil {
		// Retention is housekeeping; never fail a finished run over it
		o.logger.Warn().Err(err).Msg("backup retention pruning failed")
	}
	return final, nil
}

// Resume picks up a run left in_progress or failed: components already
// completed are skipped without any installer invocation, everything else
// re-enters the executor from pre-flight.
func (o *Orchestrator) Resume(ctx context.Context) (*types.UpgradeState, error) {
	prior, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	if prior.Status != types.RunStatusInProgress && prior.Status != types.RunStatusFailed {
		return nil, errdefs.Validationf("no interrupted run to resume (state is %s)", prior.Status)
	}

	upgradeID := prior.UpgradeID
	if err := o.store.Lock(o.policy.LockTimeout.Std(), upgradeID); err != nil {
		return nil, err
	}
	defer o.store.Unlock()

	// Re-read under the lock; another process may have finished the run
	// between the first load and acquisition.
	prior, err = o.store.Load()
	if err != nil {
		return nil, err
	}
	if prior.UpgradeID != upgradeID {
		return nil, errdefs.Validationf("run %s no longer present; nothing to resume", upgradeID)
	}

	// Resume within the original run's scope; a scoped apply must not widen
	// to the whole fleet on retry.
	plan, err := o.Plan(ctx, Scope{Phase: prior.ScopePhase, Component: prior.ScopeComponent})
	if err != nil {
		return nil, err
	}

	mode := prior.Mode
	if mode == "" {
		mode = o.policy.DefaultMode
	}
	o.logger.Info().Str("upgrade_id", upgradeID).Msg("resuming interrupted run")
	o.publish(events.EventRunStarted, upgradeID, "resume")

	if _, err := o.store.AtomicUpdate(func(st *types.UpgradeState) error {
		st.Status = types.RunStatusInProgress
		st.FinishedAt = time.Time{}
		return nil
	}); err != nil {
		return nil, err
	}

	failed := make(map[string]error)
	var mu sync.Mutex

	for _, phase := range plan.Phases {
		if mode == types.ModeSafe && len(failed) > 0 {
			break
		}

		remaining := &types.PhasePlan{Phase: phase.Phase, Risk: phase.Risk}
		for _, a := range phase.Actions {
			if cs, ok := prior.Components[a.Component.Name]; ok && cs.Status == types.ComponentCompleted {
				continue
			}
			remaining.Actions = append(remaining.Actions, a)
		}
		if len(remaining.Actions) == 0 {
			continue
		}

		if _, err := o.store.AtomicUpdate(func(st *types.UpgradeState) error {
			st.CurrentPhase = phase.Phase
			return nil
		}); err != nil {
			return nil, err
		}
		o.runPhase(ctx, remaining, mode, failed, &mu)
	}

	return o.finalize(upgradeID, failed)
}

// lockForRollback takes the state lock for a manual rollback invocation.
// The caller holds it across every component the rollback touches, so a
// concurrent apply cannot interleave.
func (o *Orchestrator) lockForRollback() error {
	return o.store.Lock(o.policy.LockTimeout.Std(), "rollback-"+uuid.NewString()[:8])
}

// RollbackComponent restores name from its most recent backup
func (o *Orchestrator) RollbackComponent(ctx context.Context, name string) error {
	c := o.manifest.Component(name)
	if c == nil {
		return errdefs.Validationf("unknown component %q", name)
	}
	if err := o.lockForRollback(); err != nil {
		return err
	}
	defer o.store.Unlock()

	record, err := o.backups.Latest(name)
	if err != nil {
		return err
	}
	return o.rollbackOne(ctx, c, record)
}

// RollbackTo restores the component owning backupID from that exact backup
func (o *Orchestrator) RollbackTo(ctx context.Context, backupID string) error {
	if err := o.lockForRollback(); err != nil {
		return err
	}
	defer o.store.Unlock()

	record, err := o.backups.Find(backupID)
	if err != nil {
		return err
	}
	c := o.manifest.Component(record.Component)
	if c == nil {
		return errdefs.Validationf("backup %s belongs to unknown component %q", backupID, record.Component)
	}
	return o.rollbackOne(ctx, c, record)
}

// RollbackLast rolls back every component the most recent run mutated, in
// reverse completion order. It reads the live state when a run is retained
// there, otherwise the newest history entry. Components whose versions were
// already current carry no backup ref and are left alone.
func (o *Orchestrator) RollbackLast(ctx context.Context) error {
	if err := o.lockForRollback(); err != nil {
		return err
	}
	defer o.store.Unlock()

	st, err := o.store.Load()
	if err != nil {
		return err
	}
	if st.UpgradeID == "" {
		hist, err := o.store.History(1)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			return errdefs.Validationf("no prior run to roll back")
		}
		st = hist[0]
	}

	ordered := mutatedNewestFirst(st)
	if len(ordered) == 0 {
		return errdefs.Validationf("run %s mutated no components; nothing to roll back", st.UpgradeID)
	}

	for _, name := range ordered {
		cs := st.Components[name]
		c := o.manifest.Component(name)
		if c == nil {
			return errdefs.Validationf("state references unknown component %q", name)
		}
		record, err := o.backups.Find(cs.BackupRef)
		if err != nil {
			return err
		}
		if err := o.rollbackOne(ctx, c, record); err != nil {
			return err
		}
	}
	return nil
}

// rollbackOne restores a single component and records the outcome. The caller
// holds the state lock.
func (o *Orchestrator) rollbackOne(ctx context.Context, c *types.Component, record *types.BackupRecord) error {
	o.publish(events.EventRollbackStarted, c.Name, record.ID)
	err := o.exec.Rollback(ctx, c, record)

	status := types.ComponentRolledBack
	errMsg := ""
	if err != nil {
		status = types.ComponentFailed
		errMsg = err.Error()
	}
	if _, uerr := o.store.AtomicUpdate(func(st *types.UpgradeState) error {
		cs := st.Component(c.Name)
		cs.Status = status
		cs.FinishedAt = time.Now()
		cs.Error = errMsg
		if st.Status == types.RunStatusFailed && !st.Failed() {
			st.Status = types.RunStatusRolledBack
		}
		return nil
	}); uerr != nil {
		o.logger.Error().Err(uerr).Str("component", c.Name).Msg("failed to record rollback outcome")
	}

	if err != nil {
		o.publish(events.EventRollbackFailed, c.Name, errMsg)
		return err
	}
	o.publish(events.EventRollbackCompleted, c.Name, record.ID)
	return nil
}

// mutatedNewestFirst lists the run's completed components that were actually
// mutated (a backup ref was recorded before their binaries were touched), in
// reverse completion order. Up-to-date short-circuits carry no ref.
func mutatedNewestFirst(st *types.UpgradeState) []string {
	type entry struct {
		name string
		at   time.Time
	}
	var entries []entry
	for name, cs := range st.Components {
		if cs.Status == types.ComponentCompleted && cs.BackupRef != "" {
			entries = append(entries, entry{name, cs.FinishedAt})
		}
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].at.After(entries[i].at) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Status returns the live state plus the most recent archived runs
func (o *Orchestrator) Status(historyLimit int) (*types.UpgradeState, []*types.UpgradeState, error) {
	live, err := o.store.Load()
	if err != nil {
		return nil, nil, err
	}
	if historyLimit <= 0 {
		return live, nil, nil
	}
	hist, err := o.store.History(historyLimit)
	if err != nil {
		return nil, nil, err
	}
	return live, hist, nil
}

func (o *Orchestrator) publish(t events.EventType, subject, message string) {
	if o.broker != nil {
		o.broker.Publish(t, message, map[string]string{"subject": subject})
	}
}
