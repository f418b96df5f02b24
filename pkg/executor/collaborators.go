package executor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

// Installer fetches and stages a verified artifact for the target version.
// Implementations must verify artifact integrity before returning success;
// the returned path points at the staged binary, which the executor swaps
// into place during activation.
type Installer interface {
	Install(ctx context.Context, c *types.Component, targetVersion string) (artifactPath string, err error)
}

// Supervisor is the external process supervisor managing component services
type Supervisor interface {
	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Kill(ctx context.Context, service string) error
	IsActive(ctx context.Context, service string) (bool, error)
}

// VersionProber detects a component's currently installed version
type VersionProber interface {
	InstalledVersion(ctx context.Context, c *types.Component) (string, error)
}

// SystemdSupervisor drives services through systemctl
type SystemdSupervisor struct{}

// NewSystemdSupervisor returns the default supervisor adapter
func NewSystemdSupervisor() *SystemdSupervisor { return &SystemdSupervisor{} }

func (s *SystemdSupervisor) systemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %v: %v: %s", args, err, out)
	}
	return nil
}

// Start starts the service
func (s *SystemdSupervisor) Start(ctx context.Context, service string) error {
	return s.systemctl(ctx, "start", service)
}

// Stop requests a clean stop
func (s *SystemdSupervisor) Stop(ctx context.Context, service string) error {
	return s.systemctl(ctx, "stop", service)
}

// Kill force-terminates the service after a stop timed out
func (s *SystemdSupervisor) Kill(ctx context.Context, service string) error {
	return s.systemctl(ctx, "kill", "-s", "SIGKILL", service)
}

// IsActive reports whether the service is running
func (s *SystemdSupervisor) IsActive(ctx context.Context, service string) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", service)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

// semverRE extracts the first version-looking token from probe output
var semverRE = regexp.MustCompile(`\d+\.\d+\.\d+(?:-[0-9A-Za-z][0-9A-Za-z.\-]*)?`)

// probeTimeout bounds the version-reporting subprocess
const probeTimeout = 10 * time.Second

// ExecProber runs the component's own version-reporting command and
// sanitizes the output into a semantic version. A narrow, explicitly typed
// probe per component replaces any free-form command detection.
type ExecProber struct{}

// NewExecProber returns the default version prober
func NewExecProber() *ExecProber { return &ExecProber{} }

// InstalledVersion runs the component's version command with a short timeout
func (p *ExecProber) InstalledVersion(ctx context.Context, c *types.Component) (string, error) {
	if len(c.VersionCommand) == 0 {
		return "", errdefs.Validationf("component %q has no version_command", c.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.VersionCommand[0], c.VersionCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errdefs.Validationf("version probe for %q failed: %v", c.Name, err)
	}

	return ParseVersionOutput(c.Name, string(out))
}

// ParseVersionOutput validates probe output into a normalized semver
func ParseVersionOutput(component, out string) (string, error) {
	match := semverRE.FindString(out)
	if match == "" {
		return "", errdefs.Validationf("version probe for %q produced no semantic version", component)
	}
	return version.Normalize(match)
}
