// Package version parses and orders the semantic version strings used to
// name core image slots and EFI bundles, and reads the version the
// machine is currently running from /etc/os-release.
package version

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Version is a total-ordered semantic version: MAJOR.MINOR.PATCH with an
// optional pre-release tag, e.g. 5.0.0-alpha.3.
type Version struct {
	v semver.Version
}

// ParseError reports that a version string did not parse as strict semver.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("version: %q is not a valid semver string: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse parses s as a strict semver string.
func Parse(s string) (Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, &ParseError{Input: s, Err: err}
	}
	return Version{v: *v}, nil
}

func (v Version) String() string {
	return v.v.String()
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than
// other, using semver precedence (pre-release versions sort below the
// corresponding release).
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

func (v Version) LessThan(other Version) bool {
	return v.Compare(other) < 0
}

func (v Version) GreaterThan(other Version) bool {
	return v.Compare(other) > 0
}

func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

const (
	osReleasePath    = "/etc/os-release"
	osReleaseVersion = "VERSION_ID="
)

// Current reads and parses VERSION_ID out of /etc/os-release.
func Current() (Version, error) {
	return CurrentFromFile(osReleasePath)
}

// CurrentFromFile reads VERSION_ID out of the os-release file at path. It
// exists as a seam for tests; production code should call Current.
func CurrentFromFile(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return Version{}, fmt.Errorf("version: reading %s: %w", path, err)
	}
	defer f.Close()

	raw, err := readKey(f, osReleaseVersion)
	if err != nil {
		return Version{}, err
	}

	v, err := Parse(raw)
	if err != nil {
		return Version{}, fmt.Errorf("version: %s: %w", path, err)
	}
	return v, nil
}

func readKey(f *os.File, key string) (string, error) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, key) {
			continue
		}
		val := strings.TrimPrefix(line, key)
		val = strings.Trim(val, `"`)
		return val, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("version: missing %s in %s", key, f.Name())
}
