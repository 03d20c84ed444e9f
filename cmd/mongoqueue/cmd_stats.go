package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/olivere/mongoqueue"
)

var (
	outputJSON bool
	listState  string
	listLimit  int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of jobs per state",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := app.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		var jobs []*mongoqueue.Job
		if listState != "" {
			jobs, err = app.queue.List(cmd.Context(), &mongoqueue.ListRequest{State: listState, Limit: listLimit})
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Stats *mongoqueue.Stats `json:"stats"`
				Jobs  []*mongoqueue.Job `json:"jobs,omitempty"`
			}{stats, jobs})
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AVAILABLE\tLOCKED\tEXHAUSTED\tTOTAL")
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", stats.Available, stats.Locked, stats.Exhausted, stats.Total())
		if len(jobs) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ID\tPRIORITY\tATTEMPTS\tLOCKED BY\tLAST ERROR")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", job.ID, job.Priority, job.Attempts, job.LockedBy, job.LastError)
			}
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	statsCmd.Flags().StringVar(&listState, "list", "", "Also list jobs in this state (available, locked, or exhausted)")
	statsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of jobs to list")
}
