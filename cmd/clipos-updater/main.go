package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clipos/updater/internal/config"
	"github.com/clipos/updater/internal/efi"
	"github.com/clipos/updater/internal/env"
	"github.com/clipos/updater/internal/fetch"
	"github.com/clipos/updater/internal/lock"
	"github.com/clipos/updater/internal/lvm"
	"github.com/clipos/updater/internal/transaction"
	"github.com/clipos/updater/internal/verify"
)

const (
	exitSuccess = 0
	exitConfig  = 1
	exitNetwork = 2
	exitVerify  = 3
	exitInstall = 4
	exitBusy    = 5
)

const defaultLockPath = "/run/updater.lock"

var (
	configPath string
	remoteName string
	tempDir    string
	verbose    bool
	dryRun     bool
	testMode   bool

	httpTimeout = 30 * time.Second

	rootCmd = &cobra.Command{
		Use:   "clipos-updater",
		Short: "CLIP OS A/B image updater client",
		Long: `clipos-updater queries a remote update service for the latest
version available to this machine, downloads and verifies the payloads
for any newer version, and installs them into the inactive slot.`,
		RunE:         run,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (required)")
	rootCmd.Flags().StringVarP(&remoteName, "remote", "r", "", "remote profile name from the configuration (required)")
	rootCmd.Flags().StringVarP(&tempDir, "tempdir", "t", "", "directory for payload staging (required)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "decide and log a plan without installing it")
	rootCmd.Flags().BoolVar(&testMode, "test-mode", false, fmt.Sprintf("run without root privilege against a test box (requires %s to exist)", env.TestModeGuardPath))

	rootCmd.MarkFlagRequired("config")
	rootCmd.MarkFlagRequired("remote")
	rootCmd.MarkFlagRequired("tempdir")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	if err := env.Check(testMode); err != nil {
		log.WithError(err).Error("checking environment")
		return err
	}

	l, err := lock.Acquire(defaultLockPath)
	if err != nil {
		log.WithError(err).Error("acquiring lock")
		return err
	}
	defer l.Release()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("loading configuration")
		return err
	}

	remote, err := cfg.SelectRemote(remoteName)
	if err != nil {
		log.WithError(err).Error("selecting remote")
		return err
	}

	pubKey, err := cfg.LoadPublicKey()
	if err != nil {
		log.WithError(err).Error("loading public key")
		return err
	}

	machineID, err := transaction.ReadMachineID(transaction.DefaultMachineIDPath)
	if err != nil {
		log.WithError(err).Error("reading machine id")
		return err
	}

	tr := &transaction.Transaction{
		Config:    cfg,
		Remote:    remote,
		VG:        lvm.New(cfg.VGName),
		EFI:       efi.New(filepath.Join(cfg.EfiMount, cfg.EfiSubdir)),
		Fetcher:   fetch.NewHTTPFetcher(httpTimeout, nil),
		Verifier:  transaction.PublicKeyVerifier{PublicKey: pubKey},
		TempDir:   tempDir,
		MachineID: machineID,
		DryRun:    dryRun,
		Log:       logrus.NewEntry(log),
	}

	if _, err := tr.Run(context.Background()); err != nil {
		log.WithError(err).Error("update transaction failed")
		return err
	}
	return nil
}

// exitFor maps an error to the exit code of spec §6. Errors that carry
// none of the recognized kinds (lock.AlreadyRunning, config.Error,
// env.Error, fetch.Error, verify.Error, lvm.Error or efi.Error) fall
// back to exitInstall.
func exitFor(err error) int {
	var cfgErr *config.Error
	var envErr *env.Error
	var lockErr *lock.AlreadyRunning
	var fetchErr *fetch.Error
	var verifyErr *verify.Error
	var lvmErr *lvm.Error
	var efiErr *efi.Error

	switch {
	case errors.As(err, &lockErr):
		return exitBusy
	case errors.As(err, &cfgErr), errors.As(err, &envErr):
		return exitConfig
	case errors.As(err, &fetchErr):
		return exitNetwork
	case errors.As(err, &verifyErr):
		return exitVerify
	case errors.As(err, &lvmErr), errors.As(err, &efiErr):
		return exitInstall
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitInstall
	}
}
