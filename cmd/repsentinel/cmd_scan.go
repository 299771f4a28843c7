package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/pipeline"
)

func scanCmd() *cobra.Command {
	var (
		entityType string
		keywords   []string
		maxDepth   int
		showAll    bool
	)

	cmd := &cobra.Command{
		Use:   "scan [entity]",
		Short: "Run one ingestion for an entity and print the result",
		Long: `Runs query expansion, fetch, match, classify and persist once for the named
entity. Without an argument every configured entity is scanned in turn.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var requests []pipeline.Request
			if len(args) == 1 {
				requests = append(requests, pipeline.Request{
					Entity:   args[0],
					Type:     entity.Type(entityType),
					Keywords: keywords,
					MaxDepth: maxDepth,
				})
			} else {
				for _, e := range a.pipeline.Entities() {
					requests = append(requests, pipeline.RequestFromEntity(e, maxDepth))
				}
			}
			if len(requests) == 0 {
				return fmt.Errorf("no entity given and none configured")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, req := range requests {
				res, err := a.pipeline.Run(ctx, req)
				if err != nil {
					return fmt.Errorf("scanning %q: %w", req.Entity, err)
				}
				if !showAll {
					res.Threats = nil
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&entityType, "type", "t", "", "Entity type: person, company or brand")
	cmd.Flags().StringSliceVarP(&keywords, "keywords", "k", nil, "Context keywords added to the search terms")
	cmd.Flags().IntVarP(&maxDepth, "depth", "d", 0, "Recursive expansion depth (0-2)")
	cmd.Flags().BoolVar(&showAll, "threats", false, "Include persisted threats in the output")
	return cmd
}
