package transaction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipos/updater/internal/config"
	"github.com/clipos/updater/internal/efi"
	"github.com/clipos/updater/internal/fetch"
	"github.com/clipos/updater/internal/lvm"
	"github.com/clipos/updater/internal/plan"
	"github.com/clipos/updater/internal/version"
)

// fakeVG is an in-memory VolumeGroup double; Create writes the destination
// path as a plain file so writeCoreToLV can open it for writing.
type fakeVG struct {
	dir     string
	lvs     []lvm.LogicalVolume
	renamed [][2]string
	created []string
}

func (f *fakeVG) List() ([]lvm.LogicalVolume, error) { return f.lvs, nil }

func (f *fakeVG) DevicePath(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fakeVG) Create(name string, sizeBytes int64) (lvm.LogicalVolume, error) {
	f.created = append(f.created, name)
	path := f.DevicePath(name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return lvm.LogicalVolume{}, err
	}
	f.lvs = append(f.lvs, lvm.LogicalVolume{Name: name, SizeBytes: sizeBytes, Path: path})
	return lvm.LogicalVolume{Name: name, SizeBytes: sizeBytes, Path: path}, nil
}

func (f *fakeVG) Rename(oldName, newName string) error {
	f.renamed = append(f.renamed, [2]string{oldName, newName})
	if err := os.Rename(f.DevicePath(oldName), f.DevicePath(newName)); err != nil {
		return err
	}
	for i, lv := range f.lvs {
		if lv.Name == oldName {
			f.lvs[i].Name = newName
			f.lvs[i].Path = f.DevicePath(newName)
		}
	}
	return nil
}

// fakeEFI is an in-memory EFIPartition double.
type fakeEFI struct {
	bundles []efi.EfiBundle
	removed []string
	written map[string][]byte
}

func (f *fakeEFI) ListBundles() ([]efi.EfiBundle, []string, error) { return f.bundles, nil, nil }

func (f *fakeEFI) Remove(name string) error {
	f.removed = append(f.removed, name)
	var kept []efi.EfiBundle
	for _, b := range f.bundles {
		if b.Name != name {
			kept = append(kept, b)
		}
	}
	f.bundles = kept
	return nil
}

func (f *fakeEFI) Write(v string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.written == nil {
		f.written = map[string][]byte{}
	}
	f.written[v] = b
	f.bundles = append(f.bundles, efi.EfiBundle{Version: v, Name: efi.BundleName(v)})
	return nil
}

// fakeVerifier skips real minisign crypto (already covered by the verify
// package's own tests) and just checks the comment binding the transaction
// itself relies on, plus a switch to force a rejection.
type fakeVerifier struct {
	rejectSig bool
}

func (v *fakeVerifier) Verify(payload io.Reader, sigText, expectedComment string) error {
	if v.rejectSig {
		return fmt.Errorf("fake: signature rejected")
	}
	if sigText != "sig-for-"+expectedComment {
		return fmt.Errorf("fake: trusted comment mismatch: sig %q, expected %q", sigText, expectedComment)
	}
	return nil
}

func TestTransactionRunInstallsFirstUpdate(t *testing.T) {
	coreData := []byte("core payload bytes")
	efiData := []byte("efi payload bytes")

	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.3\n"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-core"] = coreData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-core.sig"] = "sig-for-5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot"] = efiData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot.sig"] = "sig-for-5.0.0-alpha.3"

	dir := t.TempDir()
	vg := &fakeVG{dir: dir}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core_5.0.0-alpha.1"), nil, 0o644))
	vg.lvs = []lvm.LogicalVolume{{Name: "core_5.0.0-alpha.1", Path: filepath.Join(dir, "core_5.0.0-alpha.1")}}
	ep := &fakeEFI{}

	tr := &Transaction{
		Config:    config.Config{CoreLVSize: 1 << 20},
		Remote:    config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:        vg,
		EFI:       ep,
		Fetcher:   fk,
		Verifier:  &fakeVerifier{},
		TempDir:   t.TempDir(),
		MachineID: "test-machine",
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plan.Install, res.Plan.Kind)
	assert.Empty(t, vg.renamed)
	assert.Contains(t, vg.created, "core_5.0.0-alpha.3")

	written, err := os.ReadFile(filepath.Join(dir, "core_5.0.0-alpha.3"))
	require.NoError(t, err)
	assert.Equal(t, coreData, written)
	assert.Equal(t, efiData, ep.written["5.0.0-alpha.3"])
}

func TestTransactionRunReplacesStaleSlot(t *testing.T) {
	coreData := []byte("core-v3")
	efiData := []byte("efi-v3")

	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-core"] = coreData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-core.sig"] = "sig-for-5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot"] = efiData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot.sig"] = "sig-for-5.0.0-alpha.3"

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core_5.0.0-alpha.0"), []byte("stale"), 0o644))
	vg := &fakeVG{
		dir: dir,
		lvs: []lvm.LogicalVolume{
			{Name: "core_5.0.0-alpha.1", Path: filepath.Join(dir, "core_5.0.0-alpha.1")},
			{Name: "core_5.0.0-alpha.0", Path: filepath.Join(dir, "core_5.0.0-alpha.0")},
		},
	}
	ep := &fakeEFI{bundles: []efi.EfiBundle{{Version: "5.0.0-alpha.0", Name: "clipos-5.0.0-alpha.0.efi"}}}

	tr := &Transaction{
		Config:   config.Config{CoreLVSize: 1 << 20},
		Remote:   config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:       vg,
		EFI:      ep,
		Fetcher:  fk,
		Verifier: &fakeVerifier{},
		TempDir:  t.TempDir(),
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	_, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, vg.renamed, 1)
	assert.Equal(t, [2]string{"core_5.0.0-alpha.0", "core_5.0.0-alpha.3"}, vg.renamed[0])
	assert.Equal(t, []string{"clipos-5.0.0-alpha.0.efi"}, ep.removed)
	assert.Empty(t, vg.created)
}

// TestTransactionRunSkipsNoOpRename covers the crash-recovery inventory
// state identified in the planner tests: the stale LV was already renamed
// to the target version on a prior, interrupted run. RenameFrom equals
// DestinationLV, and install must not call VG.Rename with old==new.
func TestTransactionRunSkipsNoOpRename(t *testing.T) {
	coreData := []byte("core-v3")
	efiData := []byte("efi-v3")

	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-core"] = coreData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-core.sig"] = "sig-for-5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot"] = efiData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-efiboot.sig"] = "sig-for-5.0.0-alpha.3"

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core_5.0.0-alpha.3"), nil, 0o644))
	vg := &fakeVG{
		dir: dir,
		lvs: []lvm.LogicalVolume{
			{Name: "core_5.0.0-alpha.1", Path: filepath.Join(dir, "core_5.0.0-alpha.1")},
			{Name: "core_5.0.0-alpha.3", Path: filepath.Join(dir, "core_5.0.0-alpha.3")},
		},
	}
	ep := &fakeEFI{}

	tr := &Transaction{
		Config:   config.Config{CoreLVSize: 1 << 20},
		Remote:   config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:       vg,
		EFI:      ep,
		Fetcher:  fk,
		Verifier: &fakeVerifier{},
		TempDir:  t.TempDir(),
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	_, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vg.renamed, "must not call Rename when RenameFrom == DestinationLV")
	assert.Empty(t, vg.created, "LV already exists from the prior crashed run")
}

func TestTransactionRunNoUpdate(t *testing.T) {
	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.1"

	tr := &Transaction{
		Remote:  config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:      &fakeVG{dir: t.TempDir()},
		EFI:     &fakeEFI{},
		Fetcher: fk,
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plan.NoUpdate, res.Plan.Kind)
}

func TestTransactionRunDryRunDoesNotInstall(t *testing.T) {
	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.3"

	vg := &fakeVG{dir: t.TempDir()}
	ep := &fakeEFI{}
	tr := &Transaction{
		Remote:  config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:      vg,
		EFI:     ep,
		Fetcher: fk,
		DryRun:  true,
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plan.Install, res.Plan.Kind)
	assert.Empty(t, vg.created)
	assert.Empty(t, ep.written)
}

func TestTransactionRunBadSignatureAborts(t *testing.T) {
	coreData := []byte("core-v3")

	fk := fetch.NewFake()
	fk.Text["https://updates.example/update/v1/clipos/version"] = "5.0.0-alpha.3"
	fk.Stream["https://updates.example/dist/5.0.0-alpha.3/clipos-core"] = coreData
	fk.Text["https://updates.example/dist/5.0.0-alpha.3/clipos-core.sig"] = "sig-for-5.0.0-alpha.3"

	vg := &fakeVG{dir: t.TempDir()}
	ep := &fakeEFI{}
	tr := &Transaction{
		Config:   config.Config{CoreLVSize: 1 << 20},
		Remote:   config.Remote{BaseURL: "https://updates.example", Product: "clipos"},
		VG:       vg,
		EFI:      ep,
		Fetcher:  fk,
		Verifier: &fakeVerifier{rejectSig: true},
		TempDir:  t.TempDir(),
		CurrentVersion: func() (version.Version, error) {
			return version.Parse("5.0.0-alpha.1")
		},
	}

	_, err := tr.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, ep.written)
}
