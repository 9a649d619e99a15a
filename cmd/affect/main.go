package main

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"

	"github.com/joho/godotenv"
	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/config"
	"github.com/openfluke/affect/detector"
	"github.com/openfluke/affect/logging"
	"github.com/openfluke/affect/model"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	verbose bool
)

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "affect",
	Short: "affect - temporal emotion model toolkit",
	Long:  "Encodes video frames with a frozen vision backbone and predicts clip embeddings and per-frame valence/arousal.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose)

		// AFFECT_* overrides may live in a .env file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./affect.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with AFFECT_* overrides")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(initBackboneCmd)
	rootCmd.AddCommand(configCmd)
}

// buildModel selects the compute backend, loads the backbone and assembles the model.
func buildModel(cmd *cobra.Command) (*model.TemporalEmotionModel, error) {
	cfg := config.FromContext(cmd.Context())

	if cfg.Device == "gpu" {
		gb, err := nn.NewGPUBackend()
		if err != nil {
			log.Warn().Err(err).Msg("GPU unavailable, using CPU")
		} else {
			if report, err := detector.Detect(); err == nil {
				report.Apply()
				log.Debug().
					Str("adapter", report.Name).
					Uint32("workgroup_x", report.Recommended.WorkgroupX).
					Msg("GPU detected")
			}
			nn.SetBackend(gb)
		}
	}
	log.Debug().Str("backend", nn.CurrentBackend().Name()).Msg("compute backend")

	rng := rand.New(rand.NewSource(cfg.Seed))
	enc, err := backbone.FromConfig(logging.WithComponent("backbone"), cfg, rng)
	if err != nil {
		return nil, err
	}
	return model.New(cfg, enc, logging.WithComponent("model"))
}
