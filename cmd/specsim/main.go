package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/logger"
	"github.com/outofforest/specdec/metrics"
)

func main() {
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		logger.Get(ctx).Error("Simulation failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string
	var printMetrics bool
	config := DefaultConfig()

	cmd := &cobra.Command{
		Use:   "specsim",
		Short: "Runs speculative decoding against synthetic target model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := loadConfig(configFile, &config); err != nil {
					return err
				}
			}

			registry := prometheus.NewRegistry()
			report, err := Run(cmd.Context(), config, metrics.New(registry))
			if err != nil {
				return err
			}

			log := logger.Get(cmd.Context())
			log.Info("Simulation finished",
				zap.Int("sequences", config.Sequences),
				zap.Int("steps", config.Steps),
				zap.Uint64("tokens", report.Tokens),
				zap.Uint64("fallbacks", report.Fallbacks),
				zap.Uint64("forks", report.Forks),
				zap.Uint64("erasedPages", report.ErasedPages),
				zap.Float64("acceptanceRate", report.Stats.AcceptanceRate),
				zap.Float64("avgAcceptedLength", report.Stats.AvgAcceptedLength),
				zap.Float64("speedupFactor", report.Stats.SpeedupFactor))

			if printMetrics {
				families, err := registry.Gather()
				if err != nil {
					return errors.WithStack(err)
				}
				for _, mf := range families {
					for _, m := range mf.GetMetric() {
						var value float64
						switch {
						case m.GetCounter() != nil:
							value = m.GetCounter().GetValue()
						case m.GetGauge() != nil:
							value = m.GetGauge().GetValue()
						case m.GetHistogram() != nil:
							value = m.GetHistogram().GetSampleSum()
						}
						fields := []zap.Field{zap.String("name", mf.GetName()), zap.Float64("value", value)}
						for _, l := range m.GetLabel() {
							fields = append(fields, zap.String(l.GetName(), l.GetValue()))
						}
						log.Info("Metric", fields...)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&printMetrics, "metrics", false, "Log collected metrics")
	cmd.Flags().IntVar(&config.Sequences, "sequences", config.Sequences, "Number of decoded sequences")
	cmd.Flags().IntVar(&config.Steps, "steps", config.Steps, "Number of decode steps")
	cmd.Flags().IntVar(&config.Forks, "forks", config.Forks, "Number of sequences forked half way through the run")
	cmd.Flags().Uint64Var(&config.Decoder.Seed, "seed", config.Decoder.Seed, "Random seed")
	return cmd
}

func loadConfig(file string, config *Config) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errors.Wrapf(err, "parsing config file %s failed", file)
	}
	return nil
}
