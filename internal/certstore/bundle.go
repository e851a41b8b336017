// Package certstore keeps a local certificate authority and a leaf
// certificate for localhost on disk, and regenerates them through a
// certificate authority tool when they are missing or stale.
package certstore

import (
	"errors"
	"os"
	"path/filepath"
)

// Canonical file names inside a settings directory. They match the layout
// written by mkcert so existing installations keep working.
const (
	RootCAFile      = "rootCA.pem"
	RootCAKeyFile   = "rootCA-key.pem"
	CertFile        = "localhost.pem"
	KeyFile         = "localhost-key.pem"
	ToolVersionFile = "tool-version"
)

var (
	// ErrUnsupportedPlatform is returned when no certificate tool binary exists
	// for the current operating system and architecture.
	ErrUnsupportedPlatform = errors.New("unsupported platform for certificate tool")
	// ErrToolFailed wraps any failure of the certificate authority tool.
	ErrToolFailed = errors.New("certificate tool failed")
	// ErrIncompleteBundle is returned when the tool reported success but one
	// or more bundle files are still missing.
	ErrIncompleteBundle = errors.New("certificate bundle incomplete after generation")
	// ErrToolNotFound is returned when no certificate tool binary can be located.
	ErrToolNotFound = errors.New("certificate tool binary not found")
)

// Bundle describes the four files of one provisioned identity.
type Bundle struct {
	Dir           string
	RootCAPath    string
	RootCAKeyPath string
	CertPath      string
	KeyPath       string
	// Regenerated is true when the call that returned this bundle created it.
	Regenerated bool
}

// BundleAt returns the canonical bundle paths inside dir without touching
// the filesystem.
func BundleAt(dir string) Bundle {
	return Bundle{
		Dir:           dir,
		RootCAPath:    filepath.Join(dir, RootCAFile),
		RootCAKeyPath: filepath.Join(dir, RootCAKeyFile),
		CertPath:      filepath.Join(dir, CertFile),
		KeyPath:       filepath.Join(dir, KeyFile),
	}
}

func (b Bundle) files() []string {
	return []string{b.RootCAPath, b.RootCAKeyPath, b.CertPath, b.KeyPath}
}

// Complete reports whether all four files exist. Partial presence counts as
// absent.
func (b Bundle) Complete() bool {
	for _, path := range b.files() {
		if !fileExists(path) {
			return false
		}
	}
	return true
}

func (b Bundle) removeFiles() error {
	for _, path := range b.files() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
