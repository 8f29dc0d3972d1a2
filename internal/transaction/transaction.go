// Package transaction implements the top-level update state machine
// (C7): query the server, decide on a plan, and — for an Install plan —
// download, verify and install the payloads in the fixed order that
// keeps the inactive slot either fully stale or fully fresh, never
// partially written and bootable.
package transaction

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/clipos/updater/internal/config"
	"github.com/clipos/updater/internal/efi"
	"github.com/clipos/updater/internal/fetch"
	"github.com/clipos/updater/internal/lvm"
	"github.com/clipos/updater/internal/plan"
	"github.com/clipos/updater/internal/verify"
	"github.com/clipos/updater/internal/version"
)

// State names the machine's states, purely for logging; the control flow
// itself is straight-line Go, not an explicit state table.
type State string

const (
	StateIdle         State = "IDLE"
	StateQuerying     State = "QUERYING"
	StateDecided      State = "DECIDED"
	StatePreparing    State = "PREPARING"
	StateFetchingCore State = "FETCHING_CORE"
	StateWritingCore  State = "WRITING_CORE"
	StateFetchingEfi  State = "FETCHING_EFI"
	StateWritingEfi   State = "WRITING_EFI"
	StateDone         State = "DONE"
)

// VolumeGroup is the slice of *lvm.VolumeGroup the transaction depends on,
// narrowed to a capability interface so tests can drive the state machine
// without a real volume group.
type VolumeGroup interface {
	List() ([]lvm.LogicalVolume, error)
	Create(name string, sizeBytes int64) (lvm.LogicalVolume, error)
	Rename(oldName, newName string) error
	DevicePath(name string) string
}

// EFIPartition is the slice of *efi.Partition the transaction depends on.
type EFIPartition interface {
	ListBundles() (bundles []efi.EfiBundle, skipped []string, err error)
	Remove(name string) error
	Write(version string, r io.Reader) error
}

// Verifier checks a downloaded payload against its detached signature,
// binding it to expectedComment (the target version string). PublicKeyVerifier
// wraps the production verify.Verify check; tests can supply a double that
// doesn't require real minisign key material.
type Verifier interface {
	Verify(payload io.Reader, sigText, expectedComment string) error
}

// PublicKeyVerifier is the production Verifier, backed by a pinned minisign
// public key.
type PublicKeyVerifier struct {
	PublicKey verify.PublicKey
}

func (v PublicKeyVerifier) Verify(payload io.Reader, sigText, expectedComment string) error {
	return verify.Verify(payload, sigText, v.PublicKey, expectedComment)
}

// Transaction owns one end-to-end update attempt.
type Transaction struct {
	Config    config.Config
	Remote    config.Remote
	VG        VolumeGroup
	EFI       EFIPartition
	Fetcher   fetch.Fetcher
	Verifier  Verifier
	TempDir   string
	MachineID string

	// CurrentVersion overrides reading /etc/os-release; nil in
	// production, set by tests.
	CurrentVersion func() (version.Version, error)

	DryRun bool
	Log    *logrus.Entry
}

// Result reports what the transaction decided and, if applicable, did.
type Result struct {
	Plan    plan.Plan
	Running version.Version
	Server  version.Version
}

func (t *Transaction) logger() *logrus.Entry {
	if t.Log != nil {
		return t.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (t *Transaction) currentVersion() (version.Version, error) {
	if t.CurrentVersion != nil {
		return t.CurrentVersion()
	}
	return version.Current()
}

// Run drives the machine through IDLE -> ... -> DONE.
func (t *Transaction) Run(ctx context.Context) (Result, error) {
	log := t.logger()
	log.WithField("state", StateIdle).Debug("starting update transaction")

	vNow, err := t.currentVersion()
	if err != nil {
		return Result{}, fmt.Errorf("transaction: reading running version: %w", err)
	}
	log = log.WithField("running_version", vNow.String())

	log.WithField("state", StateQuerying).Info("querying remote for latest version")
	vSrv, err := t.queryServerVersion(ctx, vNow)
	if err != nil {
		return Result{}, err
	}
	log = log.WithField("server_version", vSrv.String())

	lvs, err := t.VG.List()
	if err != nil {
		return Result{}, fmt.Errorf("transaction: listing logical volumes: %w", err)
	}
	bundles, skipped, err := t.EFI.ListBundles()
	if err != nil {
		return Result{}, fmt.Errorf("transaction: listing EFI bundles: %w", err)
	}
	for _, name := range skipped {
		log.WithField("name", name).Warn("ignoring malformed EFI bundle entry")
	}

	p, err := plan.Decide(vNow, vSrv, lvs, bundles)
	if err != nil {
		return Result{}, err
	}
	result := Result{Plan: p, Running: vNow, Server: vSrv}

	if p.Kind == plan.NoUpdate {
		log.WithField("state", StateDecided).Info("no update needed")
		return result, nil
	}
	log.WithFields(logrus.Fields{
		"state":          StateDecided,
		"destination_lv": p.DestinationLV,
		"rename_from":    p.RenameFrom,
		"efi_to_remove":  p.EfiBundleToRemove,
	}).Info("update available")

	if t.DryRun {
		log.Info("dry run: not installing")
		return result, nil
	}

	if err := t.install(ctx, log, p); err != nil {
		return result, err
	}

	log.WithField("state", StateDone).Info("update installed")
	return result, nil
}

func (t *Transaction) queryServerVersion(ctx context.Context, vNow version.Version) (version.Version, error) {
	url := fmt.Sprintf("%s/update/v1/%s/version", t.Remote.BaseURL, t.Remote.Product)
	headers := map[string]string{
		"X-Machine-Id":      t.MachineID,
		"X-Current-Version": vNow.String(),
	}
	text, err := t.Fetcher.GetText(ctx, url, headers)
	if err != nil {
		return version.Version{}, fmt.Errorf("transaction: querying %s: %w", url, err)
	}
	v, err := version.Parse(trimVersion(text))
	if err != nil {
		return version.Version{}, fmt.Errorf("transaction: parsing server version: %w", err)
	}
	return v, nil
}

func trimVersion(s string) string {
	// The version endpoint returns a bare semver string; be tolerant of
	// trailing newline characters (\n or \r\n), the way curl/wget leave them.
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// install executes the ordering rules of spec §4.7: rename before
// removing the stale bundle, remove the stale bundle before writing the
// destination LV, verify every payload before it reaches its permanent
// location.
func (t *Transaction) install(ctx context.Context, log *logrus.Entry, p plan.Plan) error {
	log.WithField("state", StatePreparing).Info("preparing destination slot")
	if err := t.prepare(p); err != nil {
		return err
	}

	log.WithField("state", StateFetchingCore).Info("fetching core payload")
	coreFile, err := t.fetchAndVerify(ctx, "core", p.TargetVersion)
	if err != nil {
		return err
	}
	defer os.Remove(coreFile.Name())
	defer coreFile.Close()

	log.WithField("state", StateWritingCore).Info("writing core payload to destination LV")
	if err := t.writeCoreToLV(p.DestinationLV, coreFile); err != nil {
		return fmt.Errorf("transaction: writing core payload: %w", err)
	}

	log.WithField("state", StateFetchingEfi).Info("fetching EFI bundle")
	efiFile, err := t.fetchAndVerify(ctx, "efiboot", p.TargetVersion)
	if err != nil {
		return err
	}
	defer os.Remove(efiFile.Name())
	defer efiFile.Close()

	log.WithField("state", StateWritingEfi).Info("publishing EFI bundle")
	if _, err := efiFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("transaction: rewinding EFI payload: %w", err)
	}
	if err := t.EFI.Write(p.TargetVersion.String(), efiFile); err != nil {
		return fmt.Errorf("transaction: writing EFI bundle: %w", err)
	}

	return nil
}

// prepare makes the inactive slot unbootable and ensures the destination
// LV exists, in the order spec §4.7 requires: rename first (so the stale
// LV stops carrying a name any EFI lookup would match), then remove the
// stale bundle, then create the destination LV if it didn't already
// exist via rename.
func (t *Transaction) prepare(p plan.Plan) error {
	if p.RenameFrom != "" && p.RenameFrom != p.DestinationLV {
		if err := t.VG.Rename(p.RenameFrom, p.DestinationLV); err != nil {
			return fmt.Errorf("transaction: renaming %s to %s: %w", p.RenameFrom, p.DestinationLV, err)
		}
	}

	if p.EfiBundleToRemove != "" {
		if err := t.EFI.Remove(p.EfiBundleToRemove); err != nil {
			return fmt.Errorf("transaction: removing stale EFI bundle %s: %w", p.EfiBundleToRemove, err)
		}
	}

	if p.RenameFrom == "" {
		if _, err := t.VG.Create(p.DestinationLV, t.Config.CoreLVSize); err != nil {
			return fmt.Errorf("transaction: creating %s: %w", p.DestinationLV, err)
		}
	}

	return nil
}

// fetchAndVerify streams the named payload into a temporary file, fetches
// its detached signature as text, verifies the signature against the
// target version before returning, and leaves the file positioned at offset 0 for the
// caller to read again for installation. The file is never moved to its
// permanent location until this returns successfully (ordering rule 3).
func (t *Transaction) fetchAndVerify(ctx context.Context, recipe string, target version.Version) (*os.File, error) {
	payloadURL := fmt.Sprintf("%s/dist/%s/%s-%s", t.Remote.BaseURL, target.String(), t.Remote.Product, recipe)
	sigURL := payloadURL + ".sig"

	f, err := os.CreateTemp(t.TempDir, "clipos-"+recipe+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("transaction: creating temp file for %s: %w", recipe, err)
	}

	if err := t.Fetcher.GetStream(ctx, payloadURL, nil, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("transaction: fetching %s: %w", payloadURL, err)
	}

	sigText, err := t.Fetcher.GetText(ctx, sigURL, nil)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("transaction: fetching %s: %w", sigURL, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("transaction: rewinding %s payload: %w", recipe, err)
	}

	if err := t.Verifier.Verify(f, sigText, target.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("transaction: rewinding %s payload after verify: %w", recipe, err)
	}

	return f, nil
}

func (t *Transaction) writeCoreToLV(lvName string, src io.Reader) error {
	path := t.VG.DevicePath(lvName)
	dst, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// ReadMachineID reads the systemd machine identifier used to identify
// this machine to the update server's channel-selection logic.
func ReadMachineID(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("transaction: reading machine id %s: %w", path, err)
	}
	return trimVersion(string(b)), nil
}

// DefaultMachineIDPath is where systemd publishes the machine id.
const DefaultMachineIDPath = "/etc/machine-id"
