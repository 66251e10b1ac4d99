package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent uploads",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of uploads to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	store, err := sess.openHistory(cmd.Context())
	if err != nil {
		return err
	}

	if store == nil {
		return errors.New("upload history is disabled (history.enabled)")
	}

	defer func() { _ = store.Stop() }()

	records, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No uploads recorded yet.")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUILD\tAPP\tSTATE\tSTATUS\tATTEMPT\tUPDATED\tMESSAGE")

	for _, r := range records {
		status := r.BuildStatus
		if status == "" {
			status = "-"
		}

		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.AppBuildID, r.AppID, r.State, status, r.Attempt,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"), r.Message)
	}

	return w.Flush()
}
