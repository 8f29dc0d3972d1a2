// Package env guards against running the updater somewhere it would do
// the wrong thing: without the privilege LVM and EFI writes require, or
// in test mode against a host that isn't actually a disposable test
// box (spec §7 EnvError).
package env

import (
	"fmt"
	"os"
)

// Error reports an environment the updater refuses to run in.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("env: %s", e.Msg) }

// TestModeGuardPath is the marker whose presence identifies a
// disposable test box, the way a Vagrant-provisioned VM carries
// /vagrant. Test mode refuses to run on a host that lacks it, so a
// config mistake can't point test mode at a real machine.
var TestModeGuardPath = "/vagrant"

// geteuid is overridden in tests so the privilege branch is reachable
// without actually running as root.
var geteuid = os.Geteuid

// Check verifies the process is allowed to perform the installation
// operations that follow. In test mode it requires TestModeGuardPath
// to exist instead of checking privilege, since test boxes commonly
// run the updater as a non-root user against loopback-backed LVM.
// Outside test mode it requires effective uid 0, since writing LVs and
// the EFI system partition needs it.
func Check(testMode bool) error {
	if testMode {
		if _, err := os.Stat(TestModeGuardPath); err != nil {
			return &Error{Msg: fmt.Sprintf("test mode requires %s to be present; refusing to run against what doesn't look like a test box", TestModeGuardPath)}
		}
		return nil
	}

	if geteuid() != 0 {
		return &Error{Msg: "must run as root to manage logical volumes and the EFI system partition"}
	}
	return nil
}
