package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("30s", "15m") in both YAML and JSON.
type Duration time.Duration

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting "5s" style strings or
// bare nanosecond integers
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Risk classifies how disruptive a component upgrade is. Phases are ordered
// so that low-risk components go first.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Strategy defines how a component's target version is chosen
type Strategy string

const (
	// StrategyPinned reads the exact version from configuration
	StrategyPinned Strategy = "pinned"
	// StrategyRange picks the highest remote release satisfying a constraint
	StrategyRange Strategy = "range"
	// StrategyLatest picks the newest stable (non-prerelease) remote release
	StrategyLatest Strategy = "latest"
)

// VersionSource identifies where a resolved version came from
type VersionSource string

const (
	SourceOverride VersionSource = "override"
	SourceRemote   VersionSource = "remote"
	SourceCache    VersionSource = "cache"
	SourceConfig   VersionSource = "config"
	SourceManifest VersionSource = "manifest-default"
)

// Mode controls operator-facing pauses and failure handling during a run.
// Modes never change the correctness guarantees of the state store, backup
// manager, or executor.
type Mode string

const (
	// ModeSafe checkpoints before each phase and halts the whole run on the
	// first component failure
	ModeSafe Mode = "safe"
	// ModeStandard halts the failing phase but continues independent components
	ModeStandard Mode = "standard"
	// ModeFast skips confirmations and continues past failures
	ModeFast Mode = "fast"
)

// HealthCheck describes a component's liveness probe
type HealthCheck struct {
	URL          string   `yaml:"url" json:"url"`
	ExpectStatus int      `yaml:"expect_status" json:"expect_status"`
	ExpectBody   string   `yaml:"expect_body,omitempty" json:"expect_body,omitempty"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
}

// BackupPaths lists the files snapshotted before a component is mutated
type BackupPaths struct {
	Binary     string `yaml:"binary" json:"binary"`
	Config     string `yaml:"config,omitempty" json:"config,omitempty"`
	ServiceDef string `yaml:"service_def,omitempty" json:"service_def,omitempty"`
}

// CompatRule requires a companion component's installed version to satisfy a
// constraint before this component may upgrade
type CompatRule struct {
	Component  string `yaml:"component" json:"component"`
	Constraint string `yaml:"constraint" json:"constraint"`
}

// Component is the static definition of one independently upgradable service
// unit (a metrics agent, a log shipper, the core time-series database).
// Immutable once loaded from the manifest.
type Component struct {
	Name            string       `yaml:"name" json:"name"`
	BinaryPath      string       `yaml:"binary_path" json:"binary_path"`
	Service         string       `yaml:"service" json:"service"`
	VersionCommand  []string     `yaml:"version_command" json:"version_command"`
	HealthCheck     HealthCheck  `yaml:"health_check" json:"health_check"`
	BackupPaths     BackupPaths  `yaml:"backup_paths" json:"backup_paths"`
	Strategy        Strategy     `yaml:"strategy" json:"strategy"`
	Version         string       `yaml:"version,omitempty" json:"version,omitempty"`
	Constraint      string       `yaml:"constraint,omitempty" json:"constraint,omitempty"`
	FallbackVersion string       `yaml:"fallback_version,omitempty" json:"fallback_version,omitempty"`
	DefaultVersion  string       `yaml:"default_version,omitempty" json:"default_version,omitempty"`
	ReleaseSource   string       `yaml:"release_source,omitempty" json:"release_source,omitempty"`
	Phase           int          `yaml:"phase" json:"phase"`
	Risk            Risk         `yaml:"risk" json:"risk"`
	DependsOn       []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Compat          []CompatRule `yaml:"compat,omitempty" json:"compat,omitempty"`
	BlockedVersions []string     `yaml:"blocked_versions,omitempty" json:"blocked_versions,omitempty"`
	StopTimeout     Duration     `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"`
}

// ComponentAction pairs a component with the version transition planned for it
type ComponentAction struct {
	Component *Component    `json:"component"`
	From      string        `json:"from_version"`
	To        string        `json:"to_version"`
	Source    VersionSource `json:"source"`
	// Reason is set when the action is a no-op (e.g. "up-to-date")
	Reason string `json:"reason,omitempty"`
}

// UpToDate reports whether the action requires no installer invocation
func (a *ComponentAction) UpToDate() bool {
	return a.Reason == ReasonUpToDate
}

// ReasonUpToDate marks a planned action whose installed version already
// equals the resolved target.
const ReasonUpToDate = "up-to-date"

// PhasePlan groups the actions of one phase. Actions within a low-risk phase
// with no dependency edges between them may run concurrently.
type PhasePlan struct {
	Phase   int                `json:"phase"`
	Risk    Risk               `json:"risk"`
	Actions []*ComponentAction `json:"actions"`
}

// Plan is the ordered set of phases for one upgrade run. Built fresh on every
// invocation from installed state plus resolved targets; never persisted.
type Plan struct {
	Phases  []*PhasePlan `json:"phases"`
	BuiltAt time.Time    `json:"built_at"`
}

// Actions returns every action in phase order
func (p *Plan) ActionList() []*ComponentAction {
	var out []*ComponentAction
	for _, ph := range p.Phases {
		out = append(out, ph.Actions...)
	}
	return out
}

// RunStatus is the overall status of an upgrade run
type RunStatus string

const (
	RunStatusIdle       RunStatus = "idle"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// ComponentStatus is the per-component state machine position
type ComponentStatus string

const (
	ComponentPending    ComponentStatus = "pending"
	ComponentInProgress ComponentStatus = "in_progress"
	ComponentCompleted  ComponentStatus = "completed"
	ComponentFailed     ComponentStatus = "failed"
	ComponentRolledBack ComponentStatus = "rolled_back"
)

// ComponentState records one component's progress within an upgrade run.
// A component that reached completed is never re-entered under the same
// upgrade_id; completed implies a successful health check occurred.
type ComponentState struct {
	Status      ComponentStatus `json:"status"`
	FromVersion string          `json:"from_version,omitempty"`
	ToVersion   string          `json:"to_version,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	BackupRef   string          `json:"backup_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// UpgradeState is the single persisted aggregate for the host. All mutation
// goes through the state store's atomic update under the exclusive lock.
type UpgradeState struct {
	UpgradeID        string                     `json:"upgrade_id"`
	Status           RunStatus                  `json:"status"`
	Mode             Mode                       `json:"mode,omitempty"`
	ScopePhase       int                        `json:"scope_phase,omitempty"`
	ScopeComponent   string                     `json:"scope_component,omitempty"`
	CurrentPhase     int                        `json:"current_phase,omitempty"`
	CurrentComponent string                     `json:"current_component,omitempty"`
	Components       map[string]*ComponentState `json:"components,omitempty"`
	StartedAt        time.Time                  `json:"started_at,omitempty"`
	FinishedAt       time.Time                  `json:"finished_at,omitempty"`
}

// NewIdleState returns the zero-value state for a host with no active upgrade
func NewIdleState() *UpgradeState {
	return &UpgradeState{
		Status:     RunStatusIdle,
		Components: make(map[string]*ComponentState),
	}
}

// Component returns the state entry for name, creating it as pending if absent
func (s *UpgradeState) Component(name string) *ComponentState {
	if s.Components == nil {
		s.Components = make(map[string]*ComponentState)
	}
	cs, ok := s.Components[name]
	if !ok {
		cs = &ComponentState{Status: ComponentPending}
		s.Components[name] = cs
	}
	return cs
}

// Failed reports whether any component in the run ended failed
func (s *UpgradeState) Failed() bool {
	for _, cs := range s.Components {
		if cs.Status == ComponentFailed {
			return true
		}
	}
	return false
}

// BackupFile records one snapshotted file and its integrity hash
type BackupFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// BackupRecord describes one pre-mutation snapshot of a component. Created
// before every mutating install; removed only by retention policy.
type BackupRecord struct {
	ID        string                `json:"id"`
	Component string                `json:"component"`
	Timestamp time.Time             `json:"timestamp"`
	Dir       string                `json:"dir"`
	Files     map[string]BackupFile `json:"files"`
}

// CacheEntry is a cached version resolution. Losing it never violates
// correctness, only adds latency or forces fallback.
type CacheEntry struct {
	Component string        `json:"component"`
	Version   string        `json:"version"`
	Source    VersionSource `json:"source"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at time now
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.FetchedAt.Add(e.TTL))
}

// RetentionPolicy controls backup pruning. The newest KeepCount backups per
// component are always retained regardless of age.
type RetentionPolicy struct {
	KeepCount int      `yaml:"keep_count" json:"keep_count"`
	MaxAge    Duration `yaml:"max_age" json:"max_age"`
}

// Policy is the host-wide upgrade policy document
type Policy struct {
	DefaultMode   Mode            `yaml:"default_mode" json:"default_mode"`
	LockTimeout   Duration        `yaml:"lock_timeout" json:"lock_timeout"`
	CacheTTL      Duration        `yaml:"cache_ttl" json:"cache_ttl"`
	MaxParallel   int             `yaml:"max_parallel" json:"max_parallel"`
	MinDiskBytes  int64           `yaml:"min_disk_bytes" json:"min_disk_bytes"`
	HealthTimeout Duration        `yaml:"health_timeout" json:"health_timeout"`
	HealthRetries int             `yaml:"health_retries" json:"health_retries"`
	Retention     RetentionPolicy `yaml:"retention" json:"retention"`
	Confirm       bool            `yaml:"confirm" json:"confirm"`
}
