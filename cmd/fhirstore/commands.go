package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/config"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/logger"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/storeservice"
)

// withComponents loads the configuration, wires the store and runs fn.
func withComponents(ctx context.Context, fn func(c *storeservice.Components, log zerolog.Logger) error) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	log := logger.NewWithWriter("fhirstore", cfg.LogLevel, os.Stderr)
	db, err := storeservice.NewDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	c, err := storeservice.Open(ctx, cfg, db, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c, log)
}

// timeFlag parses an RFC 3339 flag value; empty yields the zero time.
func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	dt, err := strfmt.ParseDateTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return time.Time(dt), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the store service with its admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeservice.Run()
		},
	}
}

func refreshIndexesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-indexes",
		Short: "Merge children written since a watermark into their parents",
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := timeFlag(cmd, "since")
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(c *storeservice.Components, log zerolog.Logger) error {
				return c.Indexes.RefreshIndexesSync(cmd.Context(), since)
			})
		},
	}
	cmd.Flags().String("since", "", "RFC 3339 watermark (default: everything)")
	return cmd
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete records not stored again since a watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := timeFlag(cmd, "before")
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(c *storeservice.Components, log zerolog.Logger) error {
				deleted, err := c.Engine.DeleteElementsNotStoredSince(cmd.Context(), before)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), deleted)
			})
		},
	}
	cmd.Flags().String("before", "", "RFC 3339 watermark (required)")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func cursorsCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursors-cleanup",
		Short: "Remove server-resident paging states",
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := timeFlag(cmd, "before")
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(c *storeservice.Components, log zerolog.Logger) error {
				var n int64
				if before.IsZero() {
					n, err = c.Cursors.Expire(cmd.Context())
				} else {
					n, err = c.Cursors.Cleanup(cmd.Context(), before)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
			})
		},
	}
	cmd.Flags().String("before", "", "RFC 3339 watermark (default: now minus the cursor TTL)")
	return cmd
}

func explainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain [query.json]",
		Short: "Show how a serialized query is compiled for the backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			q, err := expr.UnmarshalSelect(data)
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(c *storeservice.Components, log zerolog.Logger) error {
				plan, err := c.Engine.Explain(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), plan)
			})
		},
	}
	return cmd
}
