package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"localhttps/internal/logging"
	"localhttps/internal/observability"
)

// Tool creates a certificate authority and issues leaf certificates signed
// by it. Both operations write PEM files to the paths they are given.
type Tool interface {
	Name() string
	Version() string
	Install(ctx context.Context, caRoot string) error
	Issue(ctx context.Context, caRoot, keyOut, certOut string, hosts []string) error
}

// SANPolicy controls when an existing complete bundle is regenerated.
type SANPolicy string

const (
	// SANPolicyToolVersion regenerates only when the recorded tool version differs.
	SANPolicyToolVersion SANPolicy = "tool_version"
	// SANPolicyStrict also regenerates when the leaf certificate does not
	// cover every requested host.
	SANPolicyStrict SANPolicy = "strict"
)

// Store ensures complete certificate bundles exist in settings directories.
type Store struct {
	tool        Tool
	logger      *slog.Logger
	metrics     *observability.Metrics
	sanPolicy   SANPolicy
	toolTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithSANPolicy(p SANPolicy) Option {
	return func(s *Store) {
		if p != "" {
			s.sanPolicy = p
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithToolTimeout bounds each tool step. Zero means no limit.
func WithToolTimeout(d time.Duration) Option {
	return func(s *Store) { s.toolTimeout = d }
}

// New returns a Store that generates bundles with tool.
func New(tool Tool, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		tool:      tool,
		logger:    logging.OrDiscard(logger),
		sanPolicy: SANPolicyToolVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureBundle returns a complete bundle in dir, generating it when any file
// is missing or the recorded tool version differs from the current tool.
// A complete bundle with a matching version is returned without writing
// anything.
func (s *Store) EnsureBundle(ctx context.Context, dir string, hosts []string) (Bundle, error) {
	bundle, err := s.ensure(ctx, dir, hosts)
	if err != nil {
		s.metrics.RecordBundleEnsure(ctx, observability.BundleFailed)
	}
	return bundle, err
}

func (s *Store) ensure(ctx context.Context, dir string, hosts []string) (Bundle, error) {
	if dir == "" {
		return Bundle{}, errors.New("settings path is empty")
	}
	if len(hosts) == 0 {
		return Bundle{}, errors.New("no hosts requested for certificate")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Bundle{}, fmt.Errorf("failed to create settings directory: %w", err)
	}

	bundle := BundleAt(dir)
	current := s.toolStamp()
	outcome := observability.BundleReused

	recorded, err := readRecordedStamp(dir)
	if err != nil {
		return Bundle{}, err
	}

	if recorded != "" && recorded != current {
		s.logger.Info("certificate tool changed, recreating certificates",
			slog.String("settings_path", dir),
			slog.String("from", recorded),
			slog.String("to", current))
		if err := resetDir(dir); err != nil {
			return Bundle{}, err
		}
		recorded = ""
		outcome = observability.BundleUpgraded
	}

	switch {
	case !bundle.Complete():
		if err := s.generate(ctx, bundle, hosts); err != nil {
			return Bundle{}, err
		}
		bundle.Regenerated = true
		if outcome == observability.BundleReused {
			outcome = observability.BundleGenerated
		}

	case s.sanPolicy == SANPolicyStrict && !leafCovers(bundle.CertPath, hosts):
		s.logger.Info("certificate does not cover requested hosts, recreating certificates",
			slog.String("settings_path", dir),
			slog.Any("hosts", hosts))
		if err := resetDir(dir); err != nil {
			return Bundle{}, err
		}
		if err := s.generate(ctx, bundle, hosts); err != nil {
			return Bundle{}, err
		}
		bundle.Regenerated = true
		outcome = observability.BundleGenerated

	case recorded == "":
		// Complete bundle from an unknown tool version: adopt it as-is.
		if err := writeStamp(dir, current); err != nil {
			return Bundle{}, err
		}
	}

	if bundle.Regenerated {
		s.logger.Info("certificates created",
			slog.String("settings_path", dir),
			slog.String("tool", current),
			slog.Any("hosts", hosts))
	} else {
		s.logger.Debug("using existing certificates", slog.String("settings_path", dir))
	}
	s.metrics.RecordBundleEnsure(ctx, outcome)

	return bundle, nil
}

func (s *Store) generate(ctx context.Context, bundle Bundle, hosts []string) error {
	if err := bundle.removeFiles(); err != nil {
		return fmt.Errorf("failed to clear partial bundle: %w", err)
	}

	if err := s.runStep(ctx, "install", func(ctx context.Context) error {
		return s.tool.Install(ctx, bundle.Dir)
	}); err != nil {
		return err
	}

	if err := s.runStep(ctx, "issue", func(ctx context.Context) error {
		return s.tool.Issue(ctx, bundle.Dir, bundle.KeyPath, bundle.CertPath, hosts)
	}); err != nil {
		return err
	}

	if !bundle.Complete() {
		return fmt.Errorf("%w: %s", ErrIncompleteBundle, bundle.Dir)
	}
	return writeStamp(bundle.Dir, s.toolStamp())
}

func (s *Store) runStep(ctx context.Context, step string, fn func(context.Context) error) error {
	if s.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.toolTimeout)
		defer cancel()
	}

	err := fn(ctx)
	s.metrics.RecordToolInvocation(ctx, s.tool.Name(), step, err == nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", s.tool.Name(), step, ErrToolFailed, err)
	}
	return nil
}

func (s *Store) toolStamp() string {
	return s.tool.Name() + " " + s.tool.Version()
}

var legacyBinaryPattern = regexp.MustCompile(`^mkcert-v(\d+\.\d+\.\d+)-`)

// readRecordedStamp returns the tool stamp recorded in dir, falling back to a
// versioned mkcert binary left in the directory by older installations.
func readRecordedStamp(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ToolVersionFile))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read tool version: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read settings directory: %w", err)
	}
	for _, entry := range entries {
		if m := legacyBinaryPattern.FindStringSubmatch(entry.Name()); m != nil {
			return "mkcert " + m[1], nil
		}
	}
	return "", nil
}

func writeStamp(dir, stamp string) error {
	path := filepath.Join(dir, ToolVersionFile)
	if err := os.WriteFile(path, []byte(stamp+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write tool version: %w", err)
	}
	return nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove settings directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	return nil
}

// leafCovers reports whether the certificate at certPath is currently valid
// and lists every host as a SAN.
func leafCovers(certPath string, hosts []string) bool {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}

	dnsNames := make(map[string]struct{}, len(cert.DNSNames))
	for _, name := range cert.DNSNames {
		dnsNames[strings.ToLower(name)] = struct{}{}
	}
	ips := make(map[string]struct{}, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		ips[ip.String()] = struct{}{}
	}

	wantDNS, wantIPs := splitHosts(hosts)
	for _, name := range wantDNS {
		if _, ok := dnsNames[strings.ToLower(name)]; !ok {
			return false
		}
	}
	for _, ip := range wantIPs {
		if _, ok := ips[ip.String()]; !ok {
			return false
		}
	}
	return true
}
