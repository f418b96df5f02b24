package executor

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

// diskFree reports the bytes available to unprivileged writes on the
// filesystem holding path. Overridable in tests.
var diskFree = func(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// preflight runs every check that must pass before the component is touched.
// It returns the currently installed version. No step here mutates anything.
func (e *Executor) preflight(ctx context.Context, action *types.ComponentAction) (string, error) {
	c := action.Component

	installed, err := e.prober.InstalledVersion(ctx, c)
	if err != nil {
		return "", err
	}

	for _, blocked := range c.BlockedVersions {
		if version.Equal(action.To, blocked) {
			return "", errdefs.Validationf("version %s is blocked for %s", action.To, c.Name)
		}
	}

	if e.policy.MinDiskBytes > 0 {
		dir := filepath.Dir(c.BinaryPath)
		free, err := diskFree(dir)
		if err != nil {
			return "", errdefs.Resourcef("cannot determine free space on %s: %v", dir, err)
		}
		if free < e.policy.MinDiskBytes {
			return "", errdefs.Resourcef("insufficient disk space on %s: %d bytes free, %d required",
				dir, free, e.policy.MinDiskBytes)
		}
	}

	if err := e.checkCompat(ctx, action); err != nil {
		return "", err
	}

	return installed, nil
}

// checkCompat verifies the target version against the installed versions of
// the components named by the compat rules.
func (e *Executor) checkCompat(ctx context.Context, action *types.ComponentAction) error {
	c := action.Component
	if len(c.Compat) == 0 {
		return nil
	}

	st, err := e.store.Load()
	if err != nil {
		return err
	}

	for _, rule := range c.Compat {
		// A peer already upgraded in this run is judged at its new version
		peerVersion := ""
		if cs, ok := st.Components[rule.Component]; ok && cs.Status == types.ComponentCompleted {
			peerVersion = cs.ToVersion
		}
		if peerVersion == "" {
			peer := e.lookupComponent(rule.Component)
			if peer == nil {
				return errdefs.Validationf("compat rule on %s references unknown component %q", c.Name, rule.Component)
			}
			peerVersion, err = e.prober.InstalledVersion(ctx, peer)
			if err != nil {
				return err
			}
		}

		ok, err := version.Satisfies(peerVersion, rule.Constraint)
		if err != nil {
			return errdefs.Validationf("invalid compat constraint %q on %s: %v", rule.Constraint, c.Name, err)
		}
		if !ok {
			return errdefs.Validationf("%s %s requires %s %s, found %s",
				c.Name, action.To, rule.Component, rule.Constraint, peerVersion)
		}
	}
	return nil
}

func (e *Executor) lookupComponent(name string) *types.Component {
	if e.lookup == nil {
		return nil
	}
	return e.lookup(name)
}
