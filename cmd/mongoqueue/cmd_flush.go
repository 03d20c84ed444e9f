package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var flushYes bool

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove all jobs, including the collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flushYes {
			return errors.New("refusing to flush without --yes")
		}
		if err := app.queue.Flush(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Flushed %s\n", app.cfg.Queue.Collection)
		return nil
	},
}

func init() {
	flushCmd.Flags().BoolVar(&flushYes, "yes", false, "Confirm that all jobs should be removed")
}
