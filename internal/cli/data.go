package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tapesim/internal/historical"
)

func newCatalogCmd(rc *RootConfig) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the symbol/days available in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > 2000 {
				return fmt.Errorf("--limit must be between 1 and 2000")
			}
			items, err := historical.ScanCatalog(cmd.Context(), rc.Config.Data.Dir, rc.Config.Data.TZ)
			if err != nil {
				return err
			}
			if len(items) > limit {
				items = items[:limit]
			}
			if len(items) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no datasets in %s\n", rc.Config.Data.Dir)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DAY\tSYMBOL\tSTART\tTF")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Day, it.Symbol, it.StartET, it.Timeframe)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 250, "Maximum number of entries")
	return cmd
}

func newSnapshotCmd(rc *RootConfig) *cobra.Command {
	var symbol, day, ts, tfName string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the reconstructed market at a time as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := historical.ParseTimeframe(tfName)
			if err != nil {
				return err
			}
			store := historical.NewStore(rc.Config.Data.Dir, rc.Logger)
			d, err := store.Load(cmd.Context(), symbol, day, tf)
			if err != nil {
				return err
			}
			var at int64
			if ts == "" {
				if len(d.Bars) == 0 {
					return historical.ErrOutOfRange
				}
				at = d.Bars[0].Timestamp
			} else if at, err = historical.ParseTimestamp(ts, rc.Config.Data.TZ); err != nil {
				return err
			}
			snap, err := d.SnapshotAt(at)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Symbol")
	cmd.Flags().StringVar(&day, "day", "", "Day as YYYY-MM-DD")
	cmd.Flags().StringVar(&ts, "ts", "", "Wall time such as \"2024-03-04 09:45:00\"; defaults to the first bar")
	cmd.Flags().StringVar(&tfName, "tf", "1s", "Bar timeframe: 1s|10s|1m|5m")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

func newSynthCmd(rc *RootConfig) *cobra.Command {
	var (
		dir     string
		seed    int64
		dayType string
	)
	cfg := historical.DefaultSyntheticConfig("DEMO", time.Now().Format("2006-01-02"))
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a deterministic synthetic day for demos and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = rc.Config.Data.Dir
			}
			switch dayType {
			case "choppy":
				cfg.DayType = historical.DayTypeChoppy
			case "up":
				cfg.DayType = historical.DayTypeTrendUp
			case "down":
				cfg.DayType = historical.DayTypeTrendDown
			default:
				return fmt.Errorf("--type must be choppy, up or down")
			}
			cfg.Timezone = rc.Config.Data.TZ
			day, err := historical.NewSyntheticGeneratorWithSeed(seed).GenerateDay(cfg)
			if err != nil {
				return err
			}
			if err := historical.WriteDay(dir, day); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s %s to %s: %s book updates, %s trades, %s 1s bars\n",
				day.Symbol, day.Date, dir,
				humanize.Comma(int64(len(day.Depth))),
				humanize.Comma(int64(len(day.Trades))),
				humanize.Comma(int64(len(day.Bars))),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory; defaults to --data-dir")
	cmd.Flags().StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "Symbol")
	cmd.Flags().StringVar(&cfg.Day, "day", cfg.Day, "Day as YYYY-MM-DD")
	cmd.Flags().StringVar(&cfg.Open, "open", cfg.Open, "Local wall time of the first second")
	cmd.Flags().IntVar(&cfg.Seconds, "seconds", cfg.Seconds, "Session length in seconds")
	cmd.Flags().Float64Var(&cfg.BasePrice, "price", cfg.BasePrice, "Opening price")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&dayType, "type", "choppy", "Day shape: choppy|up|down")
	return cmd
}
