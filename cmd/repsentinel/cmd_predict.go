package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/repsentinel/internal/prediction"
)

func predictCmd() *cobra.Command {
	var (
		timeframe   string
		riskFactors []string
		assessOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "predict <entity>",
		Short: "Run the prediction engine for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if assessOnly {
				assessment, err := a.predictor.Assess(ctx, args[0])
				if err != nil {
					return err
				}
				return enc.Encode(assessment)
			}

			res, err := a.predictor.Predict(ctx, prediction.Request{
				EntityName:  args[0],
				Timeframe:   timeframe,
				RiskFactors: riskFactors,
			})
			if err != nil {
				return err
			}
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&timeframe, "timeframe", "", "Prediction timeframe (default from config)")
	cmd.Flags().StringSliceVar(&riskFactors, "risk-factors", nil, "Known risk factors for the entity")
	cmd.Flags().BoolVar(&assessOnly, "assess", false, "Print the current risk assessment without generating predictions")
	return cmd
}
