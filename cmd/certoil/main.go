package main

import (
	"fmt"
	"os"

	"github.com/gartstein/certoil/internal/certification/config"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

const programName = "certoil"

// app carries what every subcommand needs once the root has run.
type app struct {
	configPath string
	debug      bool
	cfg        *config.Config
	logger     *zap.Logger
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Olive oil certification notarization service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = initLogger(a.debug)
			if _, err := maxprocs.Set(maxprocs.Logger(a.logger.Sugar().Infof)); err != nil {
				a.logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.UsesVault() {
				reader, err := config.NewVaultReader(cfg.VaultMountPath)
				if err != nil {
					return err
				}
				if err := cfg.LoadPrivateKey(cmd.Context(), reader); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&a.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand(a))
	rootCmd.AddCommand(tokenCommand(a))
	rootCmd.AddCommand(reconcileCommand(a))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

// initLogger initializes a Zap production logger.
func initLogger(debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
