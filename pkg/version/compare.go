package version

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/obstack/upctl/pkg/errdefs"
)

// Normalize parses a version string (tolerating a leading "v") and returns
// its canonical semantic-version form. Equality of normalized strings is the
// idempotency test used by the executor.
func Normalize(v string) (string, error) {
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return "", errdefs.Validationf("invalid version %q", v)
	}
	return parsed.String(), nil
}

// Compare returns -1, 0, or 1 ordering a relative to b under full semantic
// version precedence: major.minor.patch, then prerelease identifiers compared
// numerically when both numeric, lexically otherwise, per dot-separated field.
// A prerelease sorts before its release ("1.0.0-rc1" < "1.0.0").
func Compare(a, b string) (int, error) {
	va, err := goversion.NewVersion(a)
	if err != nil {
		return 0, errdefs.Validationf("invalid version %q", a)
	}
	vb, err := goversion.NewVersion(b)
	if err != nil {
		return 0, errdefs.Validationf("invalid version %q", b)
	}
	return va.Compare(vb), nil
}

// Equal reports whether a and b normalize to the same version
func Equal(a, b string) bool {
	cmp, err := Compare(a, b)
	return err == nil && cmp == 0
}

// Satisfies reports whether v matches the constraint expression
// (e.g. ">= 1.6.0, < 2.0.0")
func Satisfies(v, constraint string) (bool, error) {
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return false, errdefs.Validationf("invalid version %q", v)
	}
	cs, err := goversion.NewConstraint(constraint)
	if err != nil {
		return false, errdefs.Validationf("invalid constraint %q", constraint)
	}
	return cs.Check(parsed), nil
}
