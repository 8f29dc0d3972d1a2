// Package plan implements the slot planner (C6): given the running
// version, the server-advertised version, and the current LV/EFI
// inventory, decide whether an update is needed and, if so, which LV to
// write and which stale EFI bundle must be erased first.
package plan

import (
	"fmt"

	"github.com/clipos/updater/internal/efi"
	"github.com/clipos/updater/internal/lvm"
	"github.com/clipos/updater/internal/version"
)

// Kind tags the two shapes a Plan can take.
type Kind int

const (
	NoUpdate Kind = iota
	Install
)

// Plan is the tagged value the planner returns. For NoUpdate, only Kind
// is meaningful.
type Plan struct {
	Kind Kind

	TargetVersion     version.Version
	DestinationLV     string
	RenameFrom        string // empty if the destination LV must be created
	EfiBundleToRemove string // empty if there is none to remove
}

// AnomalousInventory is returned when more than one inactive core slot
// exists. The planner cannot repair this; it requires operator
// intervention (see spec §9, Open Questions).
type AnomalousInventory struct {
	Running version.Version
	Extras  []version.Version
}

func (e *AnomalousInventory) Error() string {
	return fmt.Sprintf("plan: %d inactive core slots found alongside running version %s, expected at most 1",
		len(e.Extras), e.Running)
}

// Decide implements the decision table of spec §4.6.
func Decide(vNow, vSrv version.Version, lvs []lvm.LogicalVolume, bundles []efi.EfiBundle) (Plan, error) {
	if !vSrv.GreaterThan(vNow) {
		return Plan{Kind: NoUpdate}, nil
	}

	var extras []lvm.LogicalVolume
	var extraVersions []version.Version
	for _, lv := range lvs {
		v, ok := lvm.ParseCoreVersion(lv.Name)
		if !ok {
			continue
		}
		if v.Equal(vNow) {
			continue
		}
		extras = append(extras, lv)
		extraVersions = append(extraVersions, v)
	}

	switch len(extras) {
	case 0:
		return Plan{
			Kind:          Install,
			TargetVersion: vSrv,
			DestinationLV: lvm.CoreName(vSrv),
		}, nil
	case 1:
		stale := extras[0]
		p := Plan{
			Kind:          Install,
			TargetVersion: vSrv,
			DestinationLV: lvm.CoreName(vSrv),
			RenameFrom:    stale.Name,
		}
		if b := findBundle(bundles, extraVersions[0]); b != "" {
			p.EfiBundleToRemove = b
		}
		return p, nil
	default:
		return Plan{}, &AnomalousInventory{Running: vNow, Extras: extraVersions}
	}
}

func findBundle(bundles []efi.EfiBundle, v version.Version) string {
	for _, b := range bundles {
		bv, err := version.Parse(b.Version)
		if err != nil {
			continue
		}
		if bv.Equal(v) {
			return b.Name
		}
	}
	return ""
}
