package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/obstack/upctl/pkg/backup"
	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/events"
	"github.com/obstack/upctl/pkg/health"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/metrics"
	"github.com/obstack/upctl/pkg/state"
	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

const defaultStopTimeout = 30 * time.Second

// Executor performs one component's atomic upgrade: pre-flight, backup,
// install, activate, health gate, with automatic rollback on a failed gate.
// Side effects are strictly scoped to the one component being upgraded.
type Executor struct {
	store      *state.Store
	backups    *backup.Manager
	installer  Installer
	supervisor Supervisor
	prober     VersionProber
	broker     *events.Broker
	policy     types.Policy
	lookup     func(name string) *types.Component
	logger     zerolog.Logger
}

// Config wires an executor's collaborators
type Config struct {
	Store      *state.Store
	Backups    *backup.Manager
	Installer  Installer
	Supervisor Supervisor
	Prober     VersionProber
	Broker     *events.Broker
	Policy     types.Policy

	// Lookup resolves a manifest component by name for compat rule checks
	Lookup func(name string) *types.Component
}

// New creates an executor
func New(cfg Config) *Executor {
	prober := cfg.Prober
	if prober == nil {
		prober = NewExecProber()
	}
	return &Executor{
		store:      cfg.Store,
		backups:    cfg.Backups,
		installer:  cfg.Installer,
		supervisor: cfg.Supervisor,
		prober:     prober,
		broker:     cfg.Broker,
		policy:     cfg.Policy,
		lookup:     cfg.Lookup,
		logger:     log.WithComponent("executor"),
	}
}

// Upgrade drives action's component through the upgrade state machine.
// Cancellation is honored between steps only; once activation begins, the run
// proceeds to its health-check-or-rollback conclusion.
func (e *Executor) Upgrade(ctx context.Context, action *types.ComponentAction) error {
	c := action.Component
	logger := e.logger.With().Str("component", c.Name).Str("target", action.To).Logger()
	started := time.Now()

	// Pre-flight never mutates; run it before marking the component active
	installed, err := e.preflight(ctx, action)
	if err != nil {
		e.markFailed(c.Name, err)
		return err
	}

	if version.Equal(installed, action.To) {
		// Already at target: short-circuit with zero side effects
		logger.Info().Str("installed", installed).Msg("already at target version")
		e.publish(events.EventComponentSkipped, c.Name, "already at target")
		return e.markCompleted(c.Name, installed, action.To, "")
	}

	if err := e.markInProgress(c.Name, installed, action.To); err != nil {
		return err
	}
	e.publish(events.EventComponentStarted, c.Name, fmt.Sprintf("%s -> %s", installed, action.To))
	logger.Info().Str("from", installed).Msg("starting upgrade")

	if err := canceled(ctx); err != nil {
		return err
	}

	// Backup before any mutation; a backup failure aborts with nothing changed
	record, err := e.backups.Backup(c)
	if err != nil {
		e.markFailed(c.Name, err)
		metrics.ComponentUpgradesTotal.WithLabelValues(c.Name, "failed").Inc()
		return err
	}
	e.setBackupRef(c.Name, record.ID)

	if err := canceled(ctx); err != nil {
		return err
	}

	// Install stages a verified artifact; the running service is untouched,
	// so failure here needs no rollback
	artifact, err := e.installer.Install(ctx, c, action.To)
	if err != nil {
		if !errdefs.IsIntegrity(err) && !errdefs.IsInstall(err) {
			err = errdefs.Installf("installer for %s failed: %v", c.Name, err)
		}
		e.markFailed(c.Name, err)
		metrics.ComponentUpgradesTotal.WithLabelValues(c.Name, "failed").Inc()
		return err
	}

	if err := canceled(ctx); err != nil {
		return err
	}

	// Past this point cancellation is no longer honored: the activation swap
	// must reach its health-check-or-rollback conclusion
	detached := context.WithoutCancel(ctx)

	if err := e.activate(detached, c, artifact); err != nil {
		logger.Error().Err(err).Msg("activation failed, rolling back")
		return e.autoRollback(detached, c, record, err)
	}

	if err := e.healthGate(detached, c); err != nil {
		logger.Warn().Err(err).Msg("health gate failed, rolling back")
		return e.autoRollback(detached, c, record, err)
	}

	metrics.ComponentUpgradesTotal.WithLabelValues(c.Name, "completed").Inc()
	metrics.UpgradeDuration.WithLabelValues(c.Name).Observe(time.Since(started).Seconds())
	e.publish(events.EventComponentCompleted, c.Name, action.To)
	logger.Info().Dur("took", time.Since(started)).Msg("upgrade completed")
	return e.markCompleted(c.Name, installed, action.To, record.ID)
}

// activate stops the running instance, swaps the artifact, and starts the new
// instance. This swap is the only non-atomic step; the wait-for-stop bound
// avoids overwriting a binary still in use.
func (e *Executor) activate(ctx context.Context, c *types.Component, artifact string) error {
	if err := e.supervisor.Stop(ctx, c.Service); err != nil {
		return errdefs.Installf("failed to stop %s: %v", c.Service, err)
	}

	stopTimeout := c.StopTimeout.Std()
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	if err := e.waitForStop(ctx, c.Service, stopTimeout); err != nil {
		// Forced termination after the bounded wait
		if kerr := e.supervisor.Kill(ctx, c.Service); kerr != nil {
			return errdefs.Installf("service %s did not stop and kill failed: %v", c.Service, kerr)
		}
		if err := e.waitForStop(ctx, c.Service, 5*time.Second); err != nil {
			return errdefs.Installf("service %s still active after forced termination", c.Service)
		}
	}

	if err := swapArtifact(artifact, c.BinaryPath); err != nil {
		return errdefs.Installf("failed to swap artifact for %s: %v", c.Name, err)
	}

	if err := e.supervisor.Start(ctx, c.Service); err != nil {
		return errdefs.Installf("failed to start %s: %v", c.Service, err)
	}
	return nil
}

func (e *Executor) waitForStop(ctx context.Context, service string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		active, err := e.supervisor.IsActive(ctx, service)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s still active after %s", service, timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// healthGate polls the component's health signal with bounded retries and
// exponential backoff
func (e *Executor) healthGate(ctx context.Context, c *types.Component) error {
	checker := health.NewHTTPChecker(c.HealthCheck.URL)
	if c.HealthCheck.ExpectStatus != 0 {
		checker.WithStatus(c.HealthCheck.ExpectStatus)
	}
	if c.HealthCheck.ExpectBody != "" {
		checker.WithBody(c.HealthCheck.ExpectBody)
	}
	if c.HealthCheck.Timeout > 0 {
		checker.WithTimeout(c.HealthCheck.Timeout.Std())
	}

	cfg := health.DefaultPollConfig()
	cfg.Timeout = e.policy.HealthTimeout.Std()
	cfg.MaxRetries = e.policy.HealthRetries

	err := health.Poll(ctx, checker, cfg)
	if err != nil {
		metrics.HealthCheckAttempts.WithLabelValues(c.Name, "failure").Inc()
		return err
	}
	metrics.HealthCheckAttempts.WithLabelValues(c.Name, "success").Inc()
	return nil
}

// autoRollback restores the backup, restarts the service, and re-verifies
// health. The component ends rolled_back only when health is re-established;
// a failed restore leaves it failed so an operator is alerted.
func (e *Executor) autoRollback(ctx context.Context, c *types.Component, record *types.BackupRecord, cause error) error {
	e.publish(events.EventRollbackStarted, c.Name, cause.Error())
	e.markFailed(c.Name, cause)
	metrics.ComponentUpgradesTotal.WithLabelValues(c.Name, "failed").Inc()

	if err := e.Rollback(ctx, c, record); err != nil {
		metrics.RollbacksTotal.WithLabelValues(c.Name, "failed").Inc()
		e.publish(events.EventRollbackFailed, c.Name, err.Error())
		return fmt.Errorf("%w (rollback also failed: %v)", cause, err)
	}

	metrics.RollbacksTotal.WithLabelValues(c.Name, "completed").Inc()
	e.publish(events.EventRollbackCompleted, c.Name, record.ID)
	e.setStatus(c.Name, types.ComponentRolledBack, "")
	return cause
}

// Rollback restores record, restarts the service, and verifies health. It
// does not transition state; callers record the outcome.
func (e *Executor) Rollback(ctx context.Context, c *types.Component, record *types.BackupRecord) error {
	if err := e.supervisor.Stop(ctx, c.Service); err != nil {
		e.logger.Warn().Err(err).Str("component", c.Name).Msg("stop before restore failed")
	}
	stopTimeout := c.StopTimeout.Std()
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	if err := e.waitForStop(ctx, c.Service, stopTimeout); err != nil {
		if kerr := e.supervisor.Kill(ctx, c.Service); kerr == nil {
			_ = e.waitForStop(ctx, c.Service, 5*time.Second)
		}
	}

	if err := e.backups.Restore(record); err != nil {
		return err
	}
	if err := e.supervisor.Start(ctx, c.Service); err != nil {
		return errdefs.Rollbackf("failed to restart %s after restore: %v", c.Service, err)
	}
	if err := e.healthGate(ctx, c); err != nil {
		return errdefs.Rollbackf("%s unhealthy after restore: %v", c.Name, err)
	}
	return nil
}

// swapArtifact replaces dst with the staged artifact, preserving dst's mode
// when it exists
func swapArtifact(artifact, dst string) error {
	in, err := os.Open(artifact)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0755)
	if info, err := os.Stat(dst); err == nil {
		mode = info.Mode().Perm()
	}

	tmp := dst + ".staged"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func canceled(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCanceled, ctx.Err())
	}
	return nil
}

func (e *Executor) publish(t events.EventType, component, message string) {
	if e.broker != nil {
		e.broker.Publish(t, message, map[string]string{"component": component})
	}
}

// State transition helpers. All writes go through the store's atomic update
// under the lock held by the orchestrator.

func (e *Executor) markInProgress(name, from, to string) error {
	_, err := e.store.AtomicUpdate(func(st *types.UpgradeState) error {
		cs := st.Component(name)
		if cs.Status == types.ComponentCompleted {
			return errdefs.Validationf("component %q already completed in this run", name)
		}
		cs.Status = types.ComponentInProgress
		cs.FromVersion = from
		cs.ToVersion = to
		cs.StartedAt = time.Now()
		cs.Error = ""
		st.CurrentComponent = name
		return nil
	})
	return err
}

func (e *Executor) markCompleted(name, from, to, backupRef string) error {
	_, err := e.store.AtomicUpdate(func(st *types.UpgradeState) error {
		cs := st.Component(name)
		cs.Status = types.ComponentCompleted
		if cs.FromVersion == "" {
			cs.FromVersion = from
		}
		cs.ToVersion = to
		if backupRef != "" {
			cs.BackupRef = backupRef
		}
		if cs.StartedAt.IsZero() {
			cs.StartedAt = time.Now()
		}
		cs.FinishedAt = time.Now()
		cs.Error = ""
		return nil
	})
	return err
}

func (e *Executor) markFailed(name string, cause error) {
	_, err := e.store.AtomicUpdate(func(st *types.UpgradeState) error {
		cs := st.Component(name)
		cs.Status = types.ComponentFailed
		cs.FinishedAt = time.Now()
		cs.Error = cause.Error()
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("component", name).Msg("failed to record failure")
	}
	e.publish(events.EventComponentFailed, name, cause.Error())
}

func (e *Executor) setStatus(name string, status types.ComponentStatus, errMsg string) {
	_, err := e.store.AtomicUpdate(func(st *types.UpgradeState) error {
		cs := st.Component(name)
		cs.Status = status
		cs.FinishedAt = time.Now()
		cs.Error = errMsg
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("component", name).Msg("failed to record status")
	}
}

func (e *Executor) setBackupRef(name, ref string) {
	_, err := e.store.AtomicUpdate(func(st *types.UpgradeState) error {
		st.Component(name).BackupRef = ref
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("component", name).Msg("failed to record backup ref")
	}
}
