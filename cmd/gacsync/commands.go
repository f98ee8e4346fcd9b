package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/j-veylop/analytics-counter/internal/config"
	"github.com/j-veylop/analytics-counter/internal/db"
	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
	"github.com/j-veylop/analytics-counter/internal/services"
	"github.com/j-veylop/analytics-counter/internal/services/fetcher"
	"github.com/j-veylop/analytics-counter/internal/ui/status"
)

func newCronCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run one sync cycle: fetch a chunk, then drain the aggregation queue",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			rep, err := m.RunCron(ctx, force)
			if err != nil {
				return err
			}
			printCycle(cmd.OutOrStdout(), rep)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even if the cron interval has not elapsed")
	return cmd
}

func newRunCommand() *cobra.Command {
	var tick time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run sync cycles until interrupted",
		Long:  "Checks every --tick whether CRON_INTERVAL has elapsed and runs a cycle when it has.",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, cfg *config.Config, _ []string) error {
			events := m.Subscribe()
			defer m.Unsubscribe(events)
			go logEvents(events)

			logger.Info("sync daemon started", "cron_interval", cfg.CronInterval, "tick", tick)
			ticker := time.NewTicker(tick)
			defer ticker.Stop()

			for {
				rep, err := m.RunCron(ctx, false)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("cron cycle failed", "error", err)
				}
				if err == nil && !rep.Skipped {
					printCycle(cmd.OutOrStdout(), rep)
				}

				select {
				case <-ctx.Done():
					logger.Info("sync daemon stopped")
					return nil
				case <-ticker.C:
				}
			}
		}),
	}
	cmd.Flags().DurationVar(&tick, "tick", time.Minute, "how often to check the cron interval")
	return cmd
}

func logEvents(events <-chan services.ServiceEvent) {
	for ev := range events {
		switch e := ev.(type) {
		case services.AuthNeededEvent:
			logger.Warn("authorization needed", "error", e.Error)
		case services.QuotaExhaustedEvent:
			logger.Warn("quota exhausted", "requests", e.Window.Requests, "resets_in", e.ResetsIn.Round(time.Minute))
		case services.CredentialsChangedEvent:
			logger.Info("client credentials changed")
		case services.ErrorEvent:
			logger.Error("service error", "service", e.Service, "error", e.Error)
		}
	}
}

func newFetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the next report chunk without aggregating",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			out, err := m.Fetch(ctx)
			if err != nil && !errors.Is(err, fetcher.ErrCursorMoved) {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		}),
	}
}

func newAggregateCommand() *cobra.Command {
	var budget time.Duration
	cmd := &cobra.Command{
		Use:   "aggregate [entity-id...]",
		Short: "Recompute entity totals, or drain the queue when no ids are given",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				n, err := m.ProcessQueue(ctx, budget)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "aggregated %d queued entities\n", n)
				return nil
			}

			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			totals, err := m.Aggregate(ctx, ids)
			if err != nil {
				return err
			}
			for _, id := range lo.Uniq(ids) {
				fmt.Fprintf(w, "%d\t%d\n", id, totals[id])
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "time budget for draining the queue (0 drains it all)")
	return cmd
}

func newEnqueueCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "enqueue [entity-id...]",
		Short: "Queue entities for aggregation",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if all {
				known, err := m.KnownEntityIDs(ctx)
				if err != nil {
					return err
				}
				ids = append(ids, known...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no entity ids given; pass ids or --all")
			}

			added, err := m.Enqueue(ctx, ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d entities\n", added)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "queue every aliased or counted entity and the front page")
	return cmd
}

func newCountCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "count <path>",
		Short: "Show the pageview count displayed for a site path",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			w := cmd.OutOrStdout()
			n, err := m.Aggregates().CountForPath(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, n)

			if raw {
				rec, err := m.Paths().Get(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintf(w, "no row stored for %s\n", args[0])
				} else {
					fmt.Fprintf(w, "stored row %s: %s = %d\n", rec.PathHash, rec.Path, rec.Pageviews)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "also show the row stored for exactly this path")
	return cmd
}

func newAliasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Manage the path aliases of entities",
	}

	var lang string
	add := &cobra.Command{
		Use:   "add <entity-id> <alias>",
		Short: "Set the alias of an entity for a language",
		Args:  cobra.ExactArgs(2),
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			alias := "/" + strings.Trim(strings.TrimSpace(args[1]), "/")
			if err := m.Database().SetPathAlias(ctx, models.PathAlias{EntityID: id, Langcode: lang, Alias: alias}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d [%s] -> %s\n", id, lang, alias)
			return nil
		}),
	}
	add.Flags().StringVar(&lang, "lang", db.LangcodeNone, "language code of the alias")

	var removeLang string
	remove := &cobra.Command{
		Use:   "remove <entity-id>",
		Short: "Remove the alias of an entity for a language",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(ctx context.Context, _ *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return m.Database().DeletePathAlias(ctx, id, removeLang)
		}),
	}
	remove.Flags().StringVar(&removeLang, "lang", db.LangcodeNone, "language code of the alias")

	list := &cobra.Command{
		Use:   "list [entity-id]",
		Short: "List aliases, or the counted paths of one entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			if len(args) == 0 {
				all, err := m.Database().ListPathAliases(ctx, 0)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ENTITY\tLANG\tALIAS")
				for _, a := range all {
					fmt.Fprintf(w, "%d\t%s\t%s\n", a.EntityID, a.Langcode, a.Alias)
				}
				return nil
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resolved, err := m.Resolver().Aliases(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "LANG\tALIAS")
			for _, a := range resolved {
				fmt.Fprintf(w, "%s\t%s\n", a.Langcode, a.Alias)
			}

			variants, err := m.Aggregates().Variants(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\ncounted paths:\t%s\n", strings.Join(variants, " "))
			return nil
		}),
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to the reporting API",
	}

	var state string
	url := &cobra.Command{
		Use:   "url",
		Short: "Print the URL that grants offline access",
		Args:  cobra.NoArgs,
		RunE: withManager(func(_ context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			u, err := m.Tokens().AuthCodeURL(state)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Visit this URL, then run `gacsync auth exchange <code>`:")
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		}),
	}
	url.Flags().StringVar(&state, "state", "gacsync", "opaque state echoed back by the provider")

	exchange := &cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code for tokens",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, args []string) error {
			if err := m.Tokens().Exchange(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "authorized")
			return nil
		}),
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether tokens are stored",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			ok, err := m.Tokens().IsAuthenticated(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "authorized")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not authorized")
			}
			return nil
		}),
	}

	var creds models.Credentials
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Store the OAuth client credentials in CREDENTIALS_PATH",
		Args:  cobra.NoArgs,
		RunE: withManager(func(_ context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			if !creds.Complete() {
				return fmt.Errorf("--client-id and --client-secret are required")
			}
			if err := m.Credentials().Save(creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials written to %s\n", m.Credentials().Path())
			return nil
		}),
	}
	credentialsCmd.Flags().StringVar(&creds.ClientID, "client-id", "", "OAuth client id")
	credentialsCmd.Flags().StringVar(&creds.ClientSecret, "client-secret", "", "OAuth client secret")
	credentialsCmd.Flags().StringVar(&creds.RedirectURI, "redirect-uri", "", "OAuth redirect URI")

	cmd.AddCommand(url, exchange, statusCmd, credentialsCmd)
	return cmd
}

func newRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Forget the stored tokens and revoke them at the provider",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			if err := m.Revoke(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tokens revoked")
			return nil
		}),
	}
}

func newResetCommand() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear tokens, cursor, quota window, diagnostics and cache",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, _ *config.Config, _ []string) error {
			if err := m.Reset(ctx, wipe); err != nil {
				return err
			}
			if wipe {
				fmt.Fprintln(cmd.OutOrStdout(), "sync state reset and counts wiped")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "sync state reset")
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&wipe, "wipe", false, "also delete stored path counts and totals")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var top, width int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the sync engine",
		Args:  cobra.NoArgs,
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *services.Manager, cfg *config.Config, _ []string) error {
			st, err := m.Status(ctx)
			if err != nil {
				return err
			}
			paths, err := m.Paths().Top(ctx, top)
			if err != nil {
				return err
			}
			aggs, err := m.Aggregates().Top(ctx, top)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), status.Render(status.Report{
				Now:         time.Now(),
				Status:      st,
				TopPaths:    paths,
				TopEntities: aggs,
				ProfileID:   cfg.ProfileID,
			}, width))
			return nil
		}),
	}
	cmd.Flags().IntVar(&top, "top", 20, "number of top paths and entities to list")
	cmd.Flags().IntVar(&width, "width", 80, "output width")
	return cmd
}

func printCycle(w io.Writer, rep *services.CycleReport) {
	if rep.Skipped {
		fmt.Fprintln(w, "skipped: cron interval not reached (use --force)")
		return
	}
	if rep.FetchError != nil {
		fmt.Fprintf(w, "fetch: %v\n", rep.FetchError)
	} else {
		printOutcome(w, rep.Fetch)
	}
	fmt.Fprintf(w, "queue: %d enqueued, %d aggregated in %s\n",
		rep.Enqueued, rep.Aggregated, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "cache: %d hits, %d misses, %d expired entries purged\n",
		rep.Cache.Hits, rep.Cache.Misses, rep.Purged)
}

func printOutcome(w io.Writer, out *fetcher.Outcome) {
	switch {
	case out == nil:
		return
	case out.Skipped != "":
		fmt.Fprintf(w, "fetch skipped: %s\n", out.Skipped)
	case out.Rows == 0:
		fmt.Fprintf(w, "fetch: no rows at index %d of %d, next step %d\n", out.StartIndex, out.TotalResults, out.NextStep)
	default:
		source := "live"
		if out.FromCache {
			source = "cache"
		}
		fmt.Fprintf(w, "fetch: rows %d-%d of %d from %s, %d stored, next step %d\n",
			out.StartIndex, out.StartIndex+out.Rows-1, out.TotalResults, source, out.Rows, out.NextStep)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
