package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"geo-harvest/app"
	"geo-harvest/models"
	"geo-harvest/services"
)

// rootOptions enthält die globalen Flags und den Zugang zur App.
type rootOptions struct {
	Format string
	open   func(ctx context.Context) (*app.App, error)
}

func newRootCommand(open func(ctx context.Context) (*app.App, error)) *cobra.Command {
	opts := &rootOptions{open: open}
	cmd := &cobra.Command{
		Use:           "harvestctl",
		Short:         "Administrative triggers for geo-harvest",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newScheduleCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newHarvestCommand(opts))
	cmd.AddCommand(newRegenerateCommand(opts))
	cmd.AddCommand(newSourcesCommand(opts))
	return cmd
}

// output schreibt v als JSON oder über text in lesbarer Form.
func (o *rootOptions) output(w io.Writer, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	text(w)
	return nil
}

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Register the recurring jobs (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			created, err := a.EnsureSchedules(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), map[string]any{"created": created, "schedules": a.Schedules()}, func(w io.Writer) {
				if len(created) == 0 {
					fmt.Fprintln(w, "All schedules already registered.")
					return
				}
				for _, name := range created {
					fmt.Fprintf(w, "Scheduled %s (%s)\n", name, a.Schedules()[name])
				}
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var issn string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize source metadata with OpenAlex",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			if issn != "" {
				res, err := a.Synchronizer.SyncByISSN(cmd.Context(), issn)
				if err != nil {
					return err
				}
				return opts.output(cmd.OutOrStdout(), res, func(w io.Writer) {
					if res.Unchanged {
						fmt.Fprintf(w, "%s: unchanged\n", issn)
						return
					}
					fmt.Fprintf(w, "%s: updated %s\n", issn, strings.Join(res.Changed, ", "))
				})
			}
			summary, err := a.Synchronizer.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "written=%d unchanged=%d failed=%d\n", summary.Written, summary.Unchanged, summary.Failed)
			})
		},
	}
	cmd.Flags().StringVar(&issn, "issn", "", "synchronize only the source with this ISSN-L")
	return cmd
}

func newHarvestCommand(opts *rootOptions) *cobra.Command {
	var sourceID uint
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest one or all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			var summary services.HarvestSummary
			if sourceID != 0 {
				var src models.Source
				if err := a.DB.WithContext(cmd.Context()).First(&src, sourceID).Error; err != nil {
					return fmt.Errorf("source %d: %w", sourceID, err)
				}
				ev, err := a.Harvester.RunForSource(cmd.Context(), &src)
				if ev == nil {
					return err
				}
				run := services.SourceRun{
					Source: src.Key(), EventID: ev.ID, Status: ev.Status,
					Created: ev.CreatedCount, Updated: ev.UpdatedCount, Skipped: ev.SkippedCount, Errored: ev.ErroredCount,
				}
				if err != nil {
					run.Error = err.Error()
				}
				summary.Runs = append(summary.Runs, run)
			} else {
				summary, err = a.Harvester.RunForAllSources(cmd.Context())
				if err != nil {
					return err
				}
			}
			return opts.output(cmd.OutOrStdout(), summary, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tEVENT\tSTATUS\tCREATED\tUPDATED\tSKIPPED\tERRORED")
				for _, r := range summary.Runs {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\n", r.Source, r.EventID, r.Status, r.Created, r.Updated, r.Skipped, r.Errored)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().UintVar(&sourceID, "source", 0, "harvest only the source with this id")
	return cmd
}

func newRegenerateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild the GeoJSON and GeoPackage exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			records, regenErr := a.Cache.RegenerateAll(cmd.Context())
			if err := opts.output(cmd.OutOrStdout(), records, func(w io.Writer) {
				for _, r := range records {
					fmt.Fprintf(w, "%s: %s (%d features, %d bytes)\n", r.Kind, r.Path, r.FeatureCount, r.SizeBytes)
				}
			}); err != nil {
				return err
			}
			return regenErr
		},
	}
}

func newSourcesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			var sources []models.Source
			if err := a.DB.WithContext(cmd.Context()).Order("id").Find(&sources).Error; err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), sources, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tISSN-L\tTYPE\tLAST HARVEST")
				for _, s := range sources {
					last := "-"
					if s.LastHarvestAt != nil {
						last = s.LastHarvestAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.ISSNL, s.FeedType, last)
				}
				tw.Flush()
			})
		},
	}
}
