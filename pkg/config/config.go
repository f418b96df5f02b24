package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

// nameRE gates component names before they are ever used in a path
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName rejects any component name unusable as a path segment
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return errdefs.Validationf("invalid component name %q", name)
	}
	return nil
}

// Manifest is the components document loaded from disk
type Manifest struct {
	Components []*types.Component `yaml:"components"`
}

// Component returns the definition for name, or nil
func (m *Manifest) Component(name string) *types.Component {
	for _, c := range m.Components {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// DefaultPolicy returns the policy applied when fields are unset
func DefaultPolicy() types.Policy {
	return types.Policy{
		DefaultMode:   types.ModeStandard,
		LockTimeout:   types.Duration(30 * time.Second),
		CacheTTL:      types.Duration(15 * time.Minute),
		MaxParallel:   2,
		MinDiskBytes:  500 << 20,
		HealthTimeout: types.Duration(2 * time.Minute),
		HealthRetries: 5,
		Retention: types.RetentionPolicy{
			KeepCount: 3,
			MaxAge:    types.Duration(30 * 24 * time.Hour),
		},
		Confirm: true,
	}
}

// LoadManifest reads and validates the components manifest
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Validationf("failed to parse manifest %s: %v", path, err)
	}

	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadPolicy reads the upgrade policy document, filling unset fields with
// defaults. A missing file yields the default policy.
func LoadPolicy(path string) (types.Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return policy, fmt.Errorf("failed to read policy: %w", err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, errdefs.Validationf("failed to parse policy %s: %v", path, err)
	}

	if err := ValidatePolicy(&policy); err != nil {
		return policy, err
	}
	return policy, nil
}

// ValidatePolicy checks policy values and restores defaults for zero fields
func ValidatePolicy(p *types.Policy) error {
	def := DefaultPolicy()
	if p.DefaultMode == "" {
		p.DefaultMode = def.DefaultMode
	}
	switch p.DefaultMode {
	case types.ModeSafe, types.ModeStandard, types.ModeFast:
	default:
		return errdefs.Validationf("unknown mode %q", p.DefaultMode)
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = def.LockTimeout
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = def.CacheTTL
	}
	if p.MaxParallel <= 0 {
		p.MaxParallel = def.MaxParallel
	}
	if p.MinDiskBytes <= 0 {
		p.MinDiskBytes = def.MinDiskBytes
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = def.HealthTimeout
	}
	if p.HealthRetries <= 0 {
		p.HealthRetries = def.HealthRetries
	}
	if p.Retention.KeepCount <= 0 {
		p.Retention.KeepCount = def.Retention.KeepCount
	}
	if p.Retention.MaxAge <= 0 {
		p.Retention.MaxAge = def.Retention.MaxAge
	}
	return nil
}

// ValidateManifest checks every component definition before any plan is built
func ValidateManifest(m *Manifest) error {
	if len(m.Components) == 0 {
		return errdefs.Validationf("manifest defines no components")
	}

	seen := make(map[string]*types.Component, len(m.Components))
	for _, c := range m.Components {
		if err := validateComponent(c); err != nil {
			return err
		}
		if _, dup := seen[c.Name]; dup {
			return errdefs.Validationf("duplicate component name %q", c.Name)
		}
		seen[c.Name] = c
	}

	// Dependency references must exist and stay within the same phase order
	for _, c := range m.Components {
		for _, dep := range c.DependsOn {
			d, ok := seen[dep]
			if !ok {
				return errdefs.Validationf("component %q depends on unknown component %q", c.Name, dep)
			}
			if d.Phase > c.Phase {
				return errdefs.Validationf("component %q depends on %q from a later phase", c.Name, dep)
			}
		}
		for _, rule := range c.Compat {
			if _, ok := seen[rule.Component]; !ok {
				return errdefs.Validationf("component %q has compat rule for unknown component %q", c.Name, rule.Component)
			}
			if rule.Constraint == "" {
				return errdefs.Validationf("component %q has compat rule without constraint", c.Name)
			}
		}
	}

	if err := checkCycles(seen); err != nil {
		return err
	}
	return nil
}

func validateComponent(c *types.Component) error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.BinaryPath == "" {
		return errdefs.Validationf("component %q has no binary_path", c.Name)
	}
	if c.Service == "" {
		return errdefs.Validationf("component %q has no service", c.Name)
	}
	if c.Phase < 1 {
		return errdefs.Validationf("component %q has invalid phase %d", c.Name, c.Phase)
	}

	switch c.Risk {
	case types.RiskLow, types.RiskMedium, types.RiskHigh:
	default:
		return errdefs.Validationf("component %q has unknown risk %q", c.Name, c.Risk)
	}

	switch c.Strategy {
	case types.StrategyPinned:
		if c.Version == "" {
			return errdefs.Validationf("component %q uses pinned strategy but sets no version", c.Name)
		}
	case types.StrategyRange:
		if c.Constraint == "" {
			return errdefs.Validationf("component %q uses range strategy but sets no constraint", c.Name)
		}
		if c.ReleaseSource == "" {
			return errdefs.Validationf("component %q uses range strategy but sets no release_source", c.Name)
		}
	case types.StrategyLatest:
		if c.ReleaseSource == "" {
			return errdefs.Validationf("component %q uses latest strategy but sets no release_source", c.Name)
		}
	default:
		return errdefs.Validationf("component %q has unknown strategy %q", c.Name, c.Strategy)
	}

	if c.HealthCheck.URL == "" {
		return errdefs.Validationf("component %q has no health_check url", c.Name)
	}
	u, err := url.Parse(c.HealthCheck.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errdefs.Validationf("component %q has invalid health_check url %q", c.Name, c.HealthCheck.URL)
	}

	if c.BackupPaths.Binary == "" {
		return errdefs.Validationf("component %q has no backup binary path", c.Name)
	}
	return nil
}

// checkCycles rejects dependency cycles with a depth-first walk
func checkCycles(components map[string]*types.Component) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(components))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return errdefs.Validationf("dependency cycle involving component %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range components[name].DependsOn {
			if _, ok := components[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range components {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
