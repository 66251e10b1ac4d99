package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var (
	quotaAppID    int64
	quotaArtifact string
	quotaBuildDir string
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the apps you can upload builds to",
	RunE:  runApps,
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Check whether an artifact fits the plan limits",
	RunE:  runQuota,
}

func init() {
	rootCmd.AddCommand(appsCmd, quotaCmd)

	quotaCmd.Flags().Int64Var(&quotaAppID, "app", 0, "app id")
	quotaCmd.Flags().StringVar(&quotaArtifact, "artifact", "", "build archive to check")
	quotaCmd.Flags().StringVar(&quotaBuildDir, "dir", "", "build directory for the uncompressed size")
	_ = quotaCmd.MarkFlagRequired("app")
	_ = quotaCmd.MarkFlagRequired("artifact")
}

func runApps(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	apps, err := sess.client.ListApps(cmd.Context())
	if err != nil {
		return err
	}

	if len(apps) == 0 {
		fmt.Println("No apps found. Create one in the dashboard first.")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBUILDS\tOWNER")

	for _, app := range apps {
		owner := "shared"
		if app.IsOwnedByUser {
			owner = "you"
		}

		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", app.ID, app.Name, app.BuildCount, owner)
	}

	return w.Flush()
}

func runQuota(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	info, err := os.Stat(quotaArtifact)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	if info.IsDir() {
		return errors.New("--artifact must be a file")
	}

	uncompressed := info.Size()

	if quotaBuildDir != "" {
		build, err := inspectBuild(cmd.Context(), newProducer(sess), quotaBuildDir)
		if err != nil {
			return err
		}

		uncompressed = build.Size
	}

	quota, err := sess.client.CheckUploadQuota(cmd.Context(), info.Size(), uncompressed, quotaAppID)
	if err != nil {
		return err
	}

	verdict := "allowed"
	if !quota.CanUpload {
		verdict = "exceeds plan limits"
	}

	fmt.Printf("Plan:         %s\n", quota.PlanName)
	fmt.Printf("Compressed:   %s (max %d GB)\n", units.BytesSize(float64(info.Size())), quota.MaxCompressedSizeGB)
	fmt.Printf("Uncompressed: %s (max %d GB)\n", units.BytesSize(float64(uncompressed)), quota.MaxUncompressedSizeGB)
	fmt.Printf("Upload:       %s\n", verdict)

	return nil
}
