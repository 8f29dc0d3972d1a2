// Package lvm is a typed facade over the local volume group: list logical
// volumes, create one, rename one, and resolve the device path for a
// name. It never removes a logical volume and never touches one outside
// the volume group it is constructed for.
package lvm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// LogicalVolume is one entry in the volume group: a name, its size, and
// its resolved block device path.
type LogicalVolume struct {
	Name      string
	SizeBytes int64
	Path      string
}

// VolumeGroup is a handle to a single local LVM volume group, identified
// by name. All operations are scoped to that group.
type VolumeGroup struct {
	Name string

	// runner executes `lvm`-family commands; overridden in tests.
	runner commandRunner
}

// New returns a facade over the named volume group using the real `lvs`,
// `lvcreate` and `lvrename` binaries.
func New(vgName string) *VolumeGroup {
	return &VolumeGroup{Name: vgName, runner: execRunner{}}
}

// Error is returned for any failure local to the LVM facade: a command
// that exited non-zero, or output that didn't parse as expected.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("lvm: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

type commandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	// Kill the child if this process dies before the command returns;
	// an orphaned lvcreate/lvrename left running against the volume
	// group is worse than a failed update.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), stderr.String())
	}
	return stdout.Bytes(), nil
}

type lvsReport struct {
	Report []struct {
		LV []struct {
			Name string `json:"lv_name"`
			Size string `json:"lv_size"`
			Path string `json:"lv_path"`
		} `json:"lv"`
	} `json:"report"`
}

// List takes one atomic snapshot of every logical volume in the group.
func (g *VolumeGroup) List() ([]LogicalVolume, error) {
	out, err := g.runner.Run("lvs", "--reportformat", "json",
		"-o", "lv_name,lv_size,lv_path", "--units", "b", "--nosuffix", g.Name)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}

	var report lvsReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, &Error{Op: "list", Err: errors.Wrap(err, "parsing lvs output")}
	}

	var lvs []LogicalVolume
	for _, r := range report.Report {
		for _, lv := range r.LV {
			size, err := strconv.ParseInt(strings.TrimSpace(lv.Size), 10, 64)
			if err != nil {
				return nil, &Error{Op: "list", Err: errors.Wrapf(err, "parsing size of %s", lv.Name)}
			}
			path := lv.Path
			if path == "" {
				path = g.DevicePath(lv.Name)
			}
			lvs = append(lvs, LogicalVolume{Name: lv.Name, SizeBytes: size, Path: path})
		}
	}
	return lvs, nil
}

// Create makes a new logical volume of the given size. It fails if an LV
// of that name already exists or there is insufficient space in the
// group; both are reported by the underlying `lvcreate` exit status.
func (g *VolumeGroup) Create(name string, sizeBytes int64) (LogicalVolume, error) {
	_, err := g.runner.Run("lvcreate", "--yes",
		"-n", name, "-L", fmt.Sprintf("%dB", sizeBytes), g.Name)
	if err != nil {
		return LogicalVolume{}, &Error{Op: "create " + name, Err: err}
	}
	return LogicalVolume{Name: name, SizeBytes: sizeBytes, Path: g.DevicePath(name)}, nil
}

// Rename renames an existing logical volume. It fails if old does not
// exist or new already exists.
func (g *VolumeGroup) Rename(oldName, newName string) error {
	_, err := g.runner.Run("lvrename", g.Name, oldName, newName)
	if err != nil {
		return &Error{Op: fmt.Sprintf("rename %s->%s", oldName, newName), Err: err}
	}
	return nil
}

// DevicePath deterministically resolves the block device path for a
// logical volume name in this group, without touching the system.
func (g *VolumeGroup) DevicePath(name string) string {
	return fmt.Sprintf("/dev/%s/%s", g.Name, name)
}
