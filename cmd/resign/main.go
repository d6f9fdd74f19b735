// Command resign re-signs iOS app archives (IPA, zipped app, or app
// directory) with a new identity, provisioning profile, and
// entitlements.
package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"howett.net/plist"

	"github.com/appsworld/go-resign"
	"github.com/appsworld/go-resign/internal/openssl"
	"github.com/appsworld/go-resign/pkg/cms"
	"github.com/appsworld/go-resign/pkg/pkcs1"
	"github.com/appsworld/go-resign/pkg/provision"
)

type options struct {
	certificate  string
	key          string
	appleChain   string
	profiles     []string
	entitlements []string
	output       string
	adhoc        bool
	shallow      bool
	infoProps    []string
	signerName   string
	signerOpts   string
	verbose      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "resign <archive>",
		Short:        "re-sign an iOS app archive with a new identity",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResign(opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.certificate, "certificate", "c", "", "signer certificate PEM")
	flags.StringVarP(&opts.key, "key", "k", "", "signer private key PEM")
	flags.StringVarP(&opts.appleChain, "apple-cert", "a", "", "Apple intermediate certificates PEM")
	flags.StringSliceVarP(&opts.profiles, "provisioning-profile", "p", nil, "provisioning profile (repeatable)")
	flags.StringSliceVarP(&opts.entitlements, "entitlements", "e", nil, "entitlements override plist (repeatable)")
	flags.StringVarP(&opts.output, "output", "o", "out", "output path")
	flags.BoolVar(&opts.adhoc, "adhoc", false, "ad-hoc sign (no identity)")
	flags.BoolVar(&opts.shallow, "shallow", false, "skip nested bundles")
	flags.StringArrayVarP(&opts.infoProps, "info", "i", nil, "Info.plist override, key=value (repeatable)")
	flags.StringVar(&opts.signerName, "signer", "file", "registered pkcs1 signer kind")
	flags.StringVar(&opts.signerOpts, "signer-opts", "", "YAML file of signer options")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newViewCmd())
	return cmd
}

func newViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "view <archive>",
		Short:        "print the app's Info.plist without signing",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := resign.View(args[0])
			if err != nil {
				return err
			}
			out, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func runResign(opts *options, input string) error {
	infoProps, err := parseInfoProps(opts.infoProps)
	if err != nil {
		return err
	}

	signer := cms.AdHoc()
	shell := openssl.NewShell()
	if !opts.adhoc {
		pk, err := buildPkcs1Signer(opts)
		if err != nil {
			return err
		}
		signer, err = cms.NewSigner(pk, opts.certificate, opts.appleChain, shell)
		if err != nil {
			return err
		}
	}

	store, err := provision.NewStore(opts.profiles, opts.entitlements, shell)
	if err != nil {
		return err
	}

	info, err := resign.Resign(input, !opts.shallow, signer, store, opts.output, infoProps)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"bundle": info["CFBundleIdentifier"],
		"output": opts.output,
	}).Info("re-signed")
	return nil
}

// buildPkcs1Signer constructs the low-level signer from the registry.
// The default "file" kind takes its keyfile from --key; other kinds read
// their options from the --signer-opts YAML file.
func buildPkcs1Signer(opts *options) (pkcs1.Signer, error) {
	signerOpts := map[string]any{}
	if opts.signerOpts != "" {
		data, err := os.ReadFile(opts.signerOpts)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &signerOpts); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", opts.signerOpts, err)
		}
	}
	if opts.key != "" {
		signerOpts["keyfile"] = opts.key
	}
	// a remote oracle identifies our key by the cert PEM's SHA-1 hex
	if opts.signerName == "remote" {
		if _, ok := signerOpts["key"]; !ok && opts.certificate != "" {
			keyID, err := pkcs1.KeyID(opts.certificate)
			if err != nil {
				return nil, err
			}
			signerOpts["key"] = keyID
		}
	}
	return pkcs1.New(opts.signerName, signerOpts)
}

func parseInfoProps(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("bad Info.plist override %q, want key=value", pair)
		}
		props[key] = value
	}
	return props, nil
}
