package certstore

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"localhttps/internal/procexec"
)

// DefaultMkcertVersion is the mkcert release expected when the version
// cannot be read from the binary.
const DefaultMkcertVersion = "1.4.3"

var (
	mkcertPlatforms = map[string]string{
		"linux":   "linux",
		"darwin":  "darwin",
		"windows": "windows",
	}
	mkcertArchitectures = map[string]string{
		"amd64": "amd64",
		"arm64": "arm64",
		"arm":   "arm",
	}
	versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)
)

// BinaryName returns the release binary name for goos/goarch, for example
// mkcert-v1.4.3-linux-amd64.
func BinaryName(goos, goarch, version string) (string, error) {
	platform, ok := mkcertPlatforms[goos]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
	arch, ok := mkcertArchitectures[goarch]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	name := fmt.Sprintf("mkcert-v%s-%s-%s", version, platform, arch)
	if platform == "windows" {
		name += ".exe"
	}
	return name, nil
}

// MkcertTool drives an mkcert binary with CAROOT pointed at the settings
// directory.
type MkcertTool struct {
	binary  string
	version string
	runner  procexec.Runner
}

// NewMkcertTool resolves the mkcert binary and its version. An empty binary
// is looked up on PATH, first under the release name for this machine and
// then as plain "mkcert".
func NewMkcertTool(ctx context.Context, binary string, runner procexec.Runner) (*MkcertTool, error) {
	if runner == nil {
		runner = procexec.NewExecRunner()
	}

	if binary == "" {
		resolved, err := lookupMkcert()
		if err != nil {
			return nil, err
		}
		binary = resolved
	}

	version, err := mkcertVersion(ctx, binary, runner)
	if err != nil {
		return nil, err
	}

	return &MkcertTool{binary: binary, version: version, runner: runner}, nil
}

func lookupMkcert() (string, error) {
	names := []string{"mkcert"}
	if release, err := BinaryName(runtime.GOOS, runtime.GOARCH, DefaultMkcertVersion); err == nil {
		names = append([]string{release}, names...)
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s not on PATH", ErrToolNotFound, strings.Join(names, " or "))
}

func mkcertVersion(ctx context.Context, binary string, runner procexec.Runner) (string, error) {
	if m := legacyBinaryPattern.FindStringSubmatch(filepath.Base(binary)); m != nil {
		return m[1], nil
	}

	res, err := runner.Run(ctx, procexec.Command{Name: binary, Args: []string{"-version"}})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrToolNotFound, err)
	}
	if !res.Success() {
		return "", fmt.Errorf("%w: %s -version exited with status %d", ErrToolFailed, binary, res.ExitCode)
	}
	if m := versionPattern.FindStringSubmatch(string(res.Stdout)); m != nil {
		return m[1], nil
	}
	return DefaultMkcertVersion, nil
}

func (t *MkcertTool) Name() string    { return "mkcert" }
func (t *MkcertTool) Version() string { return t.version }

// Binary returns the resolved binary path.
func (t *MkcertTool) Binary() string { return t.binary }

// Install creates the CA in caRoot if needed and adds it to the system and
// browser trust stores.
func (t *MkcertTool) Install(ctx context.Context, caRoot string) error {
	return t.run(ctx, caRoot, "-install")
}

// Issue writes a leaf key and certificate for hosts.
func (t *MkcertTool) Issue(ctx context.Context, caRoot, keyOut, certOut string, hosts []string) error {
	args := append([]string{"-key-file", keyOut, "-cert-file", certOut}, hosts...)
	return t.run(ctx, caRoot, args...)
}

func (t *MkcertTool) run(ctx context.Context, caRoot string, args ...string) error {
	res, err := t.runner.Run(ctx, procexec.Command{
		Name: t.binary,
		Args: args,
		Env:  []string{"CAROOT=" + caRoot},
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("mkcert %s exited with status %d: %s",
			strings.Join(args, " "), res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
