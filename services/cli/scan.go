package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"espctl/pkg/render"
	"espctl/services/cve"
	"espctl/services/dispatcher"
	"espctl/services/inventory"
	"espctl/services/prefetch"
	"espctl/services/report"
)

func newPrefetchCommand(a *app) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "prefetch",
		Short: "Carve the prefetch files of a Windows host and list what ran",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"host_identifier": host}
			return a.run(cmd.Context(), "prefetch", params, func(ctx context.Context, runID uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				d, err := dispatcher.New(client, a.log())
				if err != nil {
					return nil, err
				}
				poller, err := a.poller(ctx, client, runID, &prefetch.Analyzer{Stdout: a.stdout, Logger: a.log()})
				if err != nil {
					return nil, err
				}

				s := &prefetch.Scanner{Runner: d, Fetcher: poller, Stdout: a.stdout, Logger: a.log()}
				res, err := s.Scan(ctx, host)
				summary := map[string]any{"outcome": res.Outcome, "files": res.Count}
				if res.Manifest != nil {
					summary["session_id"] = res.Manifest.SessionID
					summary["extract_dir"] = res.Manifest.ExtractDir
				}
				return summary, err
			})
		},
	}

	cmd.Flags().StringVar(&host, "host_identifier", "", "Host identifier of the Windows node")
	_ = cmd.MarkFlagRequired("host_identifier")
	return cmd
}

func newProgramsCommand(a *app) *cobra.Command {
	var (
		pack      string
		host      string
		format    string
		skipEmpty bool
	)

	cmd := &cobra.Command{
		Use:   "programs",
		Short: "Compare the pack results of every same-platform host against a base host",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			params := map[string]any{"pack_name": pack, "host_identifier": host, "format": string(f)}
			return a.run(cmd.Context(), "programs", params, func(ctx context.Context, runID uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				w, err := report.Create(report.Path(a.settings.OutputDir, f, a.now()), f)
				if err != nil {
					return nil, err
				}

				s := &inventory.Scanner{
					API:       client,
					Sink:      w,
					PageSize:  a.settings.PageSize,
					Workers:   a.settings.Workers,
					SkipEmpty: skipEmpty,
					Stdout:    a.stdout,
					Logger:    a.log(),
					Metrics:   a.metrics,
					Publisher: a.publisher(),
					RunID:     runID,
				}
				if a.store != nil {
					s.Recorder = a.store
				}
				sum, err := s.Scan(ctx, pack, host)
				if cerr := w.Close(); cerr != nil {
					err = errors.Join(err, cerr)
				}
				if err != nil {
					return sum, err
				}
				if _, statErr := os.Stat(w.Path()); statErr == nil {
					fmt.Fprintf(a.stdout, "Report written to %s\n", w.Path())
				}
				return sum, nil
			})
		},
	}

	cmd.Flags().StringVar(&pack, "pack_name", "", "Pack whose queries are compared")
	cmd.Flags().StringVar(&host, "host_identifier", "", "Host identifier of the base host")
	cmd.Flags().StringVar(&format, "format", string(report.FormatXLSX), "Report format (xlsx or csv)")
	cmd.Flags().BoolVar(&skipEmpty, "skip_empty", false, "Skip queries a host returned no records for instead of reporting the base inventory as removed")
	_ = cmd.MarkFlagRequired("pack_name")
	_ = cmd.MarkFlagRequired("host_identifier")
	return cmd
}

func newCVECommand(a *app) *cobra.Command {
	var (
		feed      string
		exportCSV string
	)

	cmd := &cobra.Command{
		Use:   "cve",
		Short: "Match the installed applications of every active host against an NVD feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := messages(a.settings)
			if err != nil {
				return err
			}
			matcher, err := cve.NewPipelineMatcher(engine, feed, a.log())
			if err != nil {
				return err
			}

			params := map[string]any{"nvd_feed": feed}
			return a.run(cmd.Context(), "cve", params, func(ctx context.Context, runID uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				d, err := dispatcher.New(client, a.log())
				if err != nil {
					return nil, err
				}

				s := &cve.Scanner{
					API:       client,
					Runner:    d,
					Matcher:   matcher,
					Messages:  engine,
					Workers:   a.settings.Workers,
					Stdout:    a.stdout,
					Logger:    a.log(),
					Metrics:   a.metrics,
					Publisher: a.publisher(),
					RunID:     runID,
				}
				if a.store != nil {
					s.Recorder = a.store
				}
				if exportCSV != "" {
					f, err := os.Create(exportCSV)
					if err != nil {
						return nil, fmt.Errorf("create export: %w", err)
					}
					defer f.Close()
					s.Export = f
				}
				return s.Scan(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&feed, "nvd_feed", "", "Path to the NVD CVE feed handed to the matching pipeline")
	cmd.Flags().StringVar(&exportCSV, "csv", "", "Also write every finding to this CSV file")
	_ = cmd.MarkFlagRequired("nvd_feed")
	return cmd
}

// messages loads the embedded templates and applies the configured pipeline overrides.
func messages(s Settings) (*render.Engine, error) {
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	overrides := []struct{ name, text string }{
		{cve.CSV2CPETemplate, s.CSV2CPE},
		{cve.CPE2CVETemplate, s.CPE2CVE},
	}
	for _, o := range overrides {
		if o.text == "" {
			continue
		}
		if err := engine.Define(o.name, o.text); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
