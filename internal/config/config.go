// Package config loads and validates the updater's TOML configuration
// file: volume group and LV sizing, EFI mount layout, the pinned
// signature public key, and the table of remote server profiles.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/clipos/updater/internal/verify"
)

// Remote is one named server profile under [remotes.<name>].
type Remote struct {
	BaseURL string `toml:"base_url"`
	Product string `toml:"product"`
}

// Config is the parsed, unvalidated configuration file.
type Config struct {
	VGName      string `toml:"vg_name"`
	CoreLVSize  int64  `toml:"core_lv_size"`
	StateLVSize int64  `toml:"state_lv_size"`
	SwapLVSize  int64  `toml:"swap_lv_size"`

	EfiMount  string `toml:"efi_mount"`
	EfiSubdir string `toml:"efi_subdir"`

	PublicKey string `toml:"public_key"`

	Remotes map[string]Remote `toml:"remotes"`
}

// Error reports a malformed configuration file, a missing required
// field, or a reference to an unknown remote profile.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Load parses path as TOML and validates it structurally. It does not
// resolve the selected remote — call SelectRemote for that, since the
// remote name comes from the -r flag, not the file itself.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, &Error{Msg: "parsing " + path, Err: err}
	}

	if c.VGName == "" {
		return Config{}, &Error{Msg: "vg_name is required"}
	}
	if c.CoreLVSize <= 0 {
		return Config{}, &Error{Msg: "core_lv_size must be positive"}
	}
	if c.EfiMount == "" {
		return Config{}, &Error{Msg: "efi_mount is required"}
	}
	if c.EfiSubdir == "" {
		c.EfiSubdir = "EFI/Linux"
	}
	if c.PublicKey == "" {
		return Config{}, &Error{Msg: "public_key is required"}
	}
	if len(c.Remotes) == 0 {
		return Config{}, &Error{Msg: "at least one [remotes.<name>] section is required"}
	}
	for name, r := range c.Remotes {
		if r.BaseURL == "" {
			return Config{}, &Error{Msg: fmt.Sprintf("remotes.%s.base_url is required", name)}
		}
		if r.Product == "" {
			return Config{}, &Error{Msg: fmt.Sprintf("remotes.%s.product is required", name)}
		}
	}

	return c, nil
}

// SelectRemote resolves the -r flag against the parsed remotes table.
func (c Config) SelectRemote(name string) (Remote, error) {
	r, ok := c.Remotes[name]
	if !ok {
		return Remote{}, &Error{Msg: fmt.Sprintf("unknown remote %q", name)}
	}
	return r, nil
}

// LoadPublicKey eagerly parses the pinned minisign public key named in
// the configuration, so a malformed key fails fast at startup rather than
// at the end of the first download.
func (c Config) LoadPublicKey() (verify.PublicKey, error) {
	pk, err := verify.LoadPublicKey(c.PublicKey)
	if err != nil {
		return verify.PublicKey{}, &Error{Msg: "loading public_key", Err: err}
	}
	return pk, nil
}
