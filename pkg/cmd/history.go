package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/types"
)

type historyArgs struct {
	ecosystem string
	pkg       string
	category  string
	since     time.Duration
	limit     int
	format    string
}

func NewHistoryCmd() *cobra.Command {
	ha := historyArgs{}
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded scans, newest first",
		Example: `  patchverify history --package lodash
  patchverify history --category high --since 168h --format json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ha.format != formatTable && ha.format != formatJSON {
				return fmt.Errorf("unsupported output format %q, must be one of: table, json", ha.format)
			}
			if ha.category != "" && types.RiskCategory(ha.category).Rank() < 0 {
				return fmt.Errorf("unknown --category %q", ha.category)
			}

			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if cfg.HistoryOff {
				return errors.New("history is disabled by configuration")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := history.Filter{
				Ecosystem: ha.ecosystem,
				Package:   ha.pkg,
				Category:  types.RiskCategory(ha.category),
				Limit:     ha.limit,
			}
			if ha.since > 0 {
				filter.Since = time.Now().Add(-ha.since)
			}
			reports, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if ha.format == formatJSON {
				if reports == nil {
					reports = []*types.ScanReport{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			writeHistoryTable(cmd.OutOrStdout(), reports)
			return nil
		},
	}
	flags := historyCmd.Flags()
	flags.StringVarP(&ha.ecosystem, "ecosystem", "e", "", "Only scans of this ecosystem")
	flags.StringVarP(&ha.pkg, "package", "p", "", "Only scans of this package")
	flags.StringVar(&ha.category, "category", "", "Only scans at or above this risk category")
	flags.DurationVar(&ha.since, "since", 0, "Only scans newer than this duration")
	flags.IntVar(&ha.limit, "limit", 20, "Maximum number of scans to list, 0 for all")
	flags.StringVarP(&ha.format, "format", "f", formatTable, "Output format: table or json")

	return historyCmd
}

func writeHistoryTable(w io.Writer, reports []*types.ScanReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No scans recorded")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "SCAN ID\tTIME\tECOSYSTEM\tPACKAGE\tOLD\tNEW\tRISK\tCATEGORY\tDEGRADED")
	for _, r := range reports {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%.1f\t%s\t%t\n",
			r.ScanID, r.Timestamp.UTC().Format(time.RFC3339), r.Ecosystem, r.Package,
			r.OldVersion, r.NewVersion, r.RiskScore, r.RiskCategory, r.Degraded)
	}
	writer.Flush()
}
