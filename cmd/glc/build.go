package main

import (
	"fmt"
	"strconv"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/poller"
	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <app-build-id>",
	Short: "Show the processing status of a build",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <app-build-id>",
	Short: "Request server-side cancellation of a build",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(statusCmd, cancelCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "poll until the build is terminal")
}

func parseBuildID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid build id %q", arg)
	}

	return id, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parseBuildID(args[0])
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}

	if !statusWatch {
		record, err := sess.client.GetBuildStatus(cmd.Context(), id)
		if err != nil {
			return err
		}

		fmt.Printf("Build %d: %s\n", id, record.Summary())

		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	done := make(chan *api.BuildRecord, 1)
	p := poller.New(log, sess.client, sess.cfg.Upload.PollIntervalDuration())

	var last string

	if err := p.Start(ctx, id, func(record *api.BuildRecord) {
		if line := record.Summary(); line != last {
			fmt.Printf("Build %d: %s\n", id, line)
			last = line
		}

		if record.Status.IsTerminal() {
			done <- record
		}
	}); err != nil {
		return err
	}

	defer func() { _ = p.Stop() }()

	select {
	case record := <-done:
		if record.Status != api.StatusCompleted {
			return fmt.Errorf("build %d ended as %s", id, record.Status)
		}
	case <-ctx.Done():
	}

	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseBuildID(args[0])
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}

	if err := sess.client.CancelBuild(cmd.Context(), id); err != nil {
		return err
	}

	log.WithField("build_id", id).Info("Cancellation requested")

	return nil
}
