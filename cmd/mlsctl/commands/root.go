package commands

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mls "github.com/suhasHere/mls-engine"
)

var (
	suiteName string
	logLevel  string

	suite mls.CipherSuite
	log   *logrus.Entry
)

func parseSuite(name string) (mls.CipherSuite, error) {
	for _, cs := range mls.SupportedCipherSuites() {
		if cs.String() == name {
			return cs, nil
		}
	}

	id, err := strconv.ParseUint(name, 0, 16)
	if err == nil {
		for _, cs := range mls.SupportedCipherSuites() {
			if cs == mls.CipherSuite(id) {
				return cs, nil
			}
		}
	}

	return 0, fmt.Errorf("unsupported ciphersuite %q", name)
}

// config builds the engine configuration the subcommands share.
func config() *mls.Config {
	cfg := mls.NewConfig()
	cfg.CipherSuite = suite
	cfg.Logger = log
	return cfg
}

func Execute() error {
	root := &cobra.Command{
		Use:          "mlsctl",
		Short:        "Drive and inspect the MLS group engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}

			logger := logrus.New()
			logger.SetLevel(level)
			logger.SetOutput(cmd.ErrOrStderr())
			log = logrus.NewEntry(logger)

			suite, err = parseSuite(suiteName)
			return err
		},
	}

	root.PersistentFlags().StringVar(&suiteName, "suite", mls.X25519_AES128GCM_SHA256_Ed25519.String(), "ciphersuite name or numeric identifier")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "log level (debug, info, warning, error)")

	root.AddCommand(suitesCmd(), keyPackageCmd(), demoCmd(), vectorsCmd())
	return root.Execute()
}

func suitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List supported ciphersuites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, cs := range mls.SupportedCipherSuites() {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%04x %s\n", uint16(cs), cs)
			}
			return nil
		},
	}
}
