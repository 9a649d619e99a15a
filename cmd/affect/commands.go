package main

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/config"
	"github.com/openfluke/affect/detector"
	"github.com/openfluke/affect/model"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pushToQueue bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show trainable parameter groups for each stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildModel(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		_, lora := m.Adapters().(model.AdaptersPresent)
		fmt.Fprintf(cmd.OutOrStdout(), "model %s (lora=%v)\n", m.ID(), lora)
		for _, stage := range []model.Stage{model.StagePretrain, model.StageFinetune} {
			groups, err := m.TrainableParameters(stage)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d parameters\n", stage, nn.CountParameters(groups))
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %8d\n", g.Name, g.NumElements())
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [frames...]",
	Short: "Embed a clip and predict per-frame valence/arousal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		m, err := buildModel(cmd)
		if err != nil {
			return err
		}
		defer m.Close()
		m.Eval()

		frames, err := backbone.LoadFrames(args, cfg.Backbone.ImageSize)
		if err != nil {
			return err
		}
		clip := frames.Reshape(append([]int{1}, frames.Shape...)...)

		out, err := m.Forward(clip, true)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "clip embedding: %v\n", out.ClipEmbedding.Row(0))
		for i, path := range args {
			va := out.Affect.Row(i)
			fmt.Fprintf(w, "%s\tvalence=%+.4f\tarousal=%+.4f\n", path, va[0], va[1])
		}

		if pushToQueue {
			if err := m.UpdateMemoryQueue(out.ClipEmbedding); err != nil {
				return err
			}
			fmt.Fprintf(w, "memory queue cursor: %d/%d\n", m.Queue.Ptr(), m.Queue.Capacity())
		}
		if c, ok := m.Encoder().(*backbone.CachedEncoder); ok {
			hits, misses := c.Stats()
			log.Debug().Uint64("hits", hits).Uint64("misses", misses).Msg("feature cache")
		}
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Probe the GPU and print limits and recommendations as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := detector.Detect()
		if err != nil {
			return err
		}
		out, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var initBackboneCmd = &cobra.Command{
	Use:   "init-backbone [output.safetensors]",
	Short: "Write a randomly initialized backbone in open_clip layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		b := cfg.Backbone
		v, err := backbone.NewVisionTransformer(backbone.ViTConfig{
			ImageSize: b.ImageSize,
			PatchSize: b.PatchSize,
			Width:     b.Width,
			Layers:    b.Layers,
			Heads:     b.Heads,
			OutputDim: cfg.FeatureDim,
		}, rand.New(rand.NewSource(cfg.Seed)))
		if err != nil {
			return err
		}
		if err := backbone.SaveVisionTransformer(args[0], v); err != nil {
			return err
		}
		log.Info().Str("path", args[0]).Int("layers", b.Layers).Int("width", b.Width).Msg("backbone written")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "affect.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("config written")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&pushToQueue, "queue", false, "push the clip embedding into the memory queue")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
