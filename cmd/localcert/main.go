package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"localhttps/internal/certstore"
	"localhttps/internal/logging"
	"localhttps/secure"

	"github.com/urfave/cli/v2"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const (
	settingsPathFlag = "settings-path"
	jsonFlag         = "json"
)

func newSettingsPathFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    settingsPathFlag,
		Aliases: []string{"d"},
		Usage:   "Directory holding the CA and localhost certificate (default: per-user settings directory)",
		EnvVars: []string{"LOCALHTTPS_CERTS_SETTINGS_PATH"},
	}
}

func newJSONFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  jsonFlag,
		Usage: "Print the result as JSON",
	}
}

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "localcert:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:           "localcert",
		Usage:          "Create and inspect the locally trusted localhost certificate",
		DefaultCommand: "paths",
		Writer:         stdout,
		ErrWriter:      stderr,
		Commands: []*cli.Command{
			{
				Name:      "ensure",
				Usage:     "Create the certificate bundle if it is missing or outdated",
				ArgsUsage: "[extra hostnames...]",
				Flags: []cli.Flag{
					newSettingsPathFlag(),
					newJSONFlag(),
					&cli.StringFlag{
						Name:  "log-level",
						Value: "info",
						Usage: "Log level (debug, info, warn, error)",
					},
					&cli.StringFlag{
						Name:  "tool",
						Value: certstore.ToolAuto,
						Usage: "Certificate tool: auto, mkcert, native",
					},
					&cli.StringFlag{
						Name:  "mkcert-binary",
						Usage: "Path to the mkcert binary (default: search PATH)",
					},
					&cli.StringFlag{
						Name:  "san-policy",
						Value: string(certstore.SANPolicyToolVersion),
						Usage: "When to recreate certificates: tool_version, strict",
					},
					&cli.DurationFlag{
						Name:  "tool-timeout",
						Value: 2 * time.Minute,
						Usage: "Timeout for each certificate tool step",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return ensure(cCtx, stderr)
				},
			},
			{
				Name:  "paths",
				Usage: "Print the certificate bundle file locations",
				Flags: []cli.Flag{newSettingsPathFlag(), newJSONFlag()},
				Action: func(cCtx *cli.Context) error {
					dir, err := settingsPath(cCtx)
					if err != nil {
						return err
					}
					return printBundle(cCtx, certstore.BundleAt(dir))
				},
			},
			{
				Name:      "verify",
				Usage:     "Check that the certificate chains to the local CA and covers the hostnames",
				ArgsUsage: "[hostnames...]",
				Flags:     []cli.Flag{newSettingsPathFlag()},
				Action: func(cCtx *cli.Context) error {
					dir, err := settingsPath(cCtx)
					if err != nil {
						return err
					}
					hosts := cCtx.Args().Slice()
					if len(hosts) == 0 {
						hosts = []string{"localhost", "127.0.0.1"}
					}
					if err := verify(certstore.BundleAt(dir), hosts, time.Now()); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "ok: certificate is valid for %v\n", hosts)
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(cCtx *cli.Context) error {
					fmt.Fprintf(cCtx.App.Writer, "localcert %s (%s)\n", Version, Commit)
					return nil
				},
			},
		},
	}
}

func settingsPath(cCtx *cli.Context) (string, error) {
	if dir := cCtx.String(settingsPathFlag); dir != "" {
		return dir, nil
	}
	dir, err := secure.DefaultSettingsPath()
	if err != nil {
		return "", fmt.Errorf("failed to resolve settings path: %w", err)
	}
	return dir, nil
}

func ensure(cCtx *cli.Context, stderr io.Writer) error {
	policy := certstore.SANPolicy(cCtx.String("san-policy"))
	switch policy {
	case certstore.SANPolicyToolVersion, certstore.SANPolicyStrict:
	default:
		return fmt.Errorf("invalid --san-policy %q: must be %s or %s",
			policy, certstore.SANPolicyToolVersion, certstore.SANPolicyStrict)
	}

	ctx := cCtx.Context
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cCtx.String("log-level"),
		Format: "text",
		Output: stderr,
	})

	dir, err := settingsPath(cCtx)
	if err != nil {
		return err
	}

	tool, err := certstore.ResolveTool(ctx, cCtx.String("tool"), cCtx.String("mkcert-binary"), logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to resolve certificate tool: %w", err)
	}

	hosts, err := certstore.Hosts(cCtx.Args().Slice()...)
	if err != nil {
		return fmt.Errorf("failed to resolve certificate hosts: %w", err)
	}

	store := certstore.New(tool, logger.Logger,
		certstore.WithSANPolicy(policy),
		certstore.WithToolTimeout(cCtx.Duration("tool-timeout")),
	)
	bundle, err := store.EnsureBundle(ctx, dir, hosts)
	if err != nil {
		return err
	}
	logger.Info("certificate bundle ready",
		slog.String("dir", bundle.Dir),
		slog.String("tool", tool.Name()),
		slog.Bool("regenerated", bundle.Regenerated),
	)
	return printBundle(cCtx, bundle)
}

type bundleReport struct {
	Dir         string `json:"dir"`
	RootCA      string `json:"root_ca"`
	RootCAKey   string `json:"root_ca_key"`
	Cert        string `json:"cert"`
	Key         string `json:"key"`
	Complete    bool   `json:"complete"`
	Regenerated bool   `json:"regenerated"`
}

func printBundle(cCtx *cli.Context, b certstore.Bundle) error {
	report := bundleReport{
		Dir:         b.Dir,
		RootCA:      b.RootCAPath,
		RootCAKey:   b.RootCAKeyPath,
		Cert:        b.CertPath,
		Key:         b.KeyPath,
		Complete:    b.Complete(),
		Regenerated: b.Regenerated,
	}

	w := cCtx.App.Writer
	if cCtx.Bool(jsonFlag) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "dir:         %s\n", report.Dir)
	fmt.Fprintf(w, "root ca:     %s\n", report.RootCA)
	fmt.Fprintf(w, "root ca key: %s\n", report.RootCAKey)
	fmt.Fprintf(w, "cert:        %s\n", report.Cert)
	fmt.Fprintf(w, "key:         %s\n", report.Key)
	fmt.Fprintf(w, "complete:    %t\n", report.Complete)
	return nil
}

func verify(b certstore.Bundle, hosts []string, now time.Time) error {
	root, err := readCertificate(b.RootCAPath)
	if err != nil {
		return err
	}
	leaf, err := readCertificate(b.CertPath)
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	for _, host := range hosts {
		_, err := leaf.Verify(x509.VerifyOptions{
			DNSName:     host,
			Roots:       roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		if err != nil {
			return fmt.Errorf("certificate is not valid for %s: %w", host, err)
		}
	}
	return nil
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s does not contain a PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cert, nil
}
