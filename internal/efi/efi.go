// Package efi is a facade over the EFI System Partition mountpoint: list
// the signed boot bundles present, remove one, and publish a new one
// atomically (to the extent the underlying filesystem allows).
package efi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/unix"
)

// EfiBundle is one clipos-<version>.efi file under the configured subdir.
type EfiBundle struct {
	Version string
	Name    string
}

var bundleRE = regexp.MustCompile(`^clipos-(.+)\.efi$`)

// Error reports any I/O failure local to the EFI facade.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("efi: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Partition is a handle to the directory under the EFI System Partition
// that holds bundles, e.g. <efi_mount>/EFI/Linux.
type Partition struct {
	Dir string
}

// New returns a facade rooted at dir (normally efi_mount joined with
// efi_subdir from configuration).
func New(dir string) *Partition {
	return &Partition{Dir: dir}
}

// BundleName is the filename a bundle for version v is published under.
func BundleName(v string) string {
	return fmt.Sprintf("clipos-%s.efi", v)
}

// ListBundles enumerates the bundles present. Entries whose name doesn't
// match clipos-<version>.efi are skipped and returned separately so the
// caller can log them as a warning, per spec.
func (p *Partition) ListBundles() (bundles []EfiBundle, skipped []string, err error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, nil, &Error{Op: "list", Err: err}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := bundleRE.FindStringSubmatch(e.Name())
		if m == nil {
			skipped = append(skipped, e.Name())
			continue
		}
		bundles = append(bundles, EfiBundle{Version: m[1], Name: e.Name()})
	}
	return bundles, skipped, nil
}

// Remove unlinks a bundle by name. It fails only on I/O error; removing a
// bundle that is already gone is not an error.
func (p *Partition) Remove(name string) error {
	path := filepath.Join(p.Dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "remove " + name, Err: err}
	}
	return nil
}

// Write streams r into a temporary file in the bundle directory, fsyncs
// it, then renames it to the final clipos-<version>.efi name. Rename is
// atomic on POSIX filesystems; on vfat (which this partition normally is)
// rename is not guaranteed atomic, so the directory itself is fsynced
// afterwards on a best-effort basis to push the metadata update out.
func (p *Partition) Write(version string, r io.Reader) error {
	final := filepath.Join(p.Dir, BundleName(version))

	tmp, err := os.CreateTemp(p.Dir, ".clipos-"+version+"-*.tmp")
	if err != nil {
		return &Error{Op: "write " + version, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return &Error{Op: "write " + version, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &Error{Op: "write " + version, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Op: "write " + version, Err: err}
	}

	if err := os.Rename(tmpName, final); err != nil {
		return &Error{Op: "write " + version, Err: err}
	}

	if err := fsyncDir(p.Dir); err != nil {
		return &Error{Op: "write " + version, Err: err}
	}
	return nil
}

func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		// Best effort: some vfat mounts refuse O_RDONLY opens on the
		// directory itself. Don't fail the install over it.
		return nil
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
