package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the upgrade engine's failure taxonomy. Call sites wrap
// these with context via fmt.Errorf("...: %w", ...) and callers classify with
// the Is* helpers.
var (
	// ErrValidation covers malformed config, invalid component names, and bad
	// version strings. Always raised before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrResource covers insufficient disk or memory headroom
	ErrResource = errors.New("resource error")

	// ErrLock means the exclusive state lock could not be obtained within the
	// timeout. Callers must abort; they never proceed unlocked.
	ErrLock = errors.New("lock error")

	// ErrResolution means every version source in the fallback chain was
	// exhausted for a component
	ErrResolution = errors.New("version resolution error")

	// ErrInstall is an installer failure before activation
	ErrInstall = errors.New("install error")

	// ErrIntegrity is a checksum or artifact-integrity failure
	ErrIntegrity = errors.New("integrity error")

	// ErrHealthCheck means the post-activation health signal was never
	// achieved; it triggers automatic rollback.
	ErrHealthCheck = errors.New("health check error")

	// ErrRollback means a restore failed (backup missing or corrupt). The
	// component is left failed, never falsely marked recovered.
	ErrRollback = errors.New("rollback error")

	// ErrCanceled means a cooperative cancel was honored between steps
	ErrCanceled = errors.New("upgrade canceled")
)

// Validationf returns a wrapped ErrValidation
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Resourcef returns a wrapped ErrResource
func Resourcef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrResource)...)
}

// Lockf returns a wrapped ErrLock
func Lockf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrLock)...)
}

// Resolutionf returns a wrapped ErrResolution
func Resolutionf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrResolution)...)
}

// Installf returns a wrapped ErrInstall
func Installf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInstall)...)
}

// Integrityf returns a wrapped ErrIntegrity
func Integrityf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrIntegrity)...)
}

// HealthCheckf returns a wrapped ErrHealthCheck
func HealthCheckf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrHealthCheck)...)
}

// Rollbackf returns a wrapped ErrRollback
func Rollbackf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrRollback)...)
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsResource reports whether err is a resource-headroom error
func IsResource(err error) bool { return errors.Is(err, ErrResource) }

// IsLock reports whether err is a lock acquisition error
func IsLock(err error) bool { return errors.Is(err, ErrLock) }

// IsResolution reports whether err is a version resolution error
func IsResolution(err error) bool { return errors.Is(err, ErrResolution) }

// IsInstall reports whether err is an installer error
func IsInstall(err error) bool { return errors.Is(err, ErrInstall) }

// IsIntegrity reports whether err is an integrity error
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsHealthCheck reports whether err is a health check error
func IsHealthCheck(err error) bool { return errors.Is(err, ErrHealthCheck) }

// IsRollback reports whether err is a rollback error
func IsRollback(err error) bool { return errors.Is(err, ErrRollback) }

// IsCanceled reports whether err is a cooperative cancellation
func IsCanceled(err error) bool { return errors.Is(err, ErrCanceled) }

// RateLimitError indicates a remote release source answered 403/429. It is a
// soft failure: the resolver falls back to cache and configured versions
// instead of aborting.
type RateLimitError struct {
	StatusCode int
	Status     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("release source rate limited (%s)", e.Status)
}

// IsRateLimit reports whether err represents a rate-limit condition
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
