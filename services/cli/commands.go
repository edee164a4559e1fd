package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"espctl/services/dispatcher"
)

func newQueryCommand(a *app) *cobra.Command {
	var (
		sql   string
		hosts []string
		tags  []string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a distributed query and print the first result batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"sql": sql, "hosts": hosts, "tags": tags}
			return a.run(cmd.Context(), "query", params, func(ctx context.Context, _ uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				d, err := dispatcher.New(client, a.log())
				if err != nil {
					return nil, err
				}

				q, batch, err := d.Run(ctx, sql, tags, hosts)
				if err != nil {
					return nil, err
				}
				if !batch.HasData {
					fmt.Fprintf(a.stdout, "Query %s returned no rows\n", q.QueryID)
				} else {
					writeRows(a.stdout, batch.Data)
				}
				return map[string]any{"query_id": q.QueryID, "rows": len(batch.Data)}, nil
			})
		},
	}

	cmd.Flags().StringVar(&sql, "sql", "", "osquery SQL to run")
	cmd.Flags().StringArrayVar(&hosts, "host_identifier", nil, "Target host identifier (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Target tag (repeatable)")
	_ = cmd.MarkFlagRequired("sql")
	return cmd
}

func newCarvesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "carves",
		Short:       "Carve session operations",
		Annotations: map[string]string{skipCredentials: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newCarvesListCommand(a))
	cmd.AddCommand(newCarvesFetchCommand(a))
	return cmd
}

func newCarvesListCommand(a *app) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the carve sessions of a host",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"host_identifier": host}
			return a.run(cmd.Context(), "carves.list", params, func(ctx context.Context, _ uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				carves, err := client.Carves(ctx, host)
				if err != nil {
					return nil, err
				}
				writeCarves(a.stdout, carves)
				return map[string]any{"carves": len(carves)}, nil
			})
		},
	}

	cmd.Flags().StringVar(&host, "host_identifier", "", "Host identifier")
	_ = cmd.MarkFlagRequired("host_identifier")
	return cmd
}

func newCarvesFetchCommand(a *app) *cobra.Command {
	var host, queryID string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Wait for the carve of a query, then download and extract it",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"host_identifier": host, "query_id": queryID}
			return a.run(cmd.Context(), "carves.fetch", params, func(ctx context.Context, runID uuid.UUID) (any, error) {
				client, err := a.client(ctx)
				if err != nil {
					return nil, err
				}
				poller, err := a.poller(ctx, client, runID, nil)
				if err != nil {
					return nil, err
				}
				m, err := poller.Fetch(ctx, host, queryID)
				if err != nil {
					return nil, err
				}
				path, _, size := m.StoredFile()
				fmt.Fprintf(a.stdout, "Carve %s saved to %s (%d files extracted to %s)\n", m.SessionID, path, len(m.Files), m.ExtractDir)
				return map[string]any{"session_id": m.SessionID, "archive": path, "size": size}, nil
			})
		},
	}

	cmd.Flags().StringVar(&host, "host_identifier", "", "Host identifier")
	cmd.Flags().StringVar(&queryID, "query_id", "", "Id of the distributed query that requested the carve")
	_ = cmd.MarkFlagRequired("host_identifier")
	_ = cmd.MarkFlagRequired("query_id")
	return cmd
}

func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "runs",
		Short:       "Inspect the run ledger",
		Annotations: map[string]string{skipCredentials: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsListCommand(a))
	cmd.AddCommand(newRunsShowCommand(a))
	return cmd
}

func (a *app) openLedger(ctx context.Context) error {
	if a.settings.DatabaseURL == "" {
		return errNoDatabase
	}
	return a.connectDatabase(ctx)
}

func newRunsListCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:         "list",
		Short:       "List recent runs, newest first",
		Annotations: map[string]string{skipCredentials: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openLedger(ctx); err != nil {
				return err
			}
			list, err := a.ledger.List(ctx, limit)
			if err != nil {
				return err
			}
			writeRuns(a.stdout, list)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func newRunsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "show <id>",
		Short:       "Show a run and the findings it recorded",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipCredentials: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			if err := a.openLedger(ctx); err != nil {
				return err
			}

			r, err := a.ledger.Get(ctx, id)
			if err != nil {
				return err
			}
			writeRun(a.stdout, r)

			carves, err := a.store.ListCarves(ctx, id)
			if err != nil {
				return err
			}
			if len(carves) > 0 {
				fmt.Fprintln(a.stdout, "\nCarves")
				writeCarveRows(a.stdout, carves)
			}

			deviations, err := a.store.ListDeviations(ctx, id)
			if err != nil {
				return err
			}
			if len(deviations) > 0 {
				fmt.Fprintln(a.stdout, "\nDeviations")
				writeDeviationRows(a.stdout, deviations)
			}

			vulns, err := a.store.ListVulnerabilities(ctx, id)
			if err != nil {
				return err
			}
			if len(vulns) > 0 {
				fmt.Fprintln(a.stdout, "\nVulnerabilities")
				writeVulnerabilityRows(a.stdout, vulns)
			}
			return nil
		},
	}
}
