package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var archiveInspect bool

var archiveCmd = &cobra.Command{
	Use:   "archive <build-dir>",
	Short: "Package a build directory without uploading it",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().BoolVar(&archiveInspect, "inspect", false,
		"only report what would be archived")
}

func runArchive(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	producer := newProducer(sess)

	if archiveInspect {
		info, err := producer.Inspect(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if !info.Exists {
			fmt.Printf("No build found in %s\n", info.SourceDir)

			return nil
		}

		fmt.Printf("Build:    %s\n", info.SourceDir)
		fmt.Printf("Files:    %d\n", info.Files)
		fmt.Printf("Size:     %s\n", units.BytesSize(float64(info.Size)))
		fmt.Printf("Modified: %s\n", info.ModTime.Local().Format("2006-01-02 15:04:05"))

		if info.ArchiveExists {
			fmt.Printf("Archive:  %s (%s)\n", info.ArchivePath, units.BytesSize(float64(info.ArchiveSize)))
		} else {
			fmt.Printf("Archive:  %s (not built)\n", info.ArchivePath)
		}

		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	path, err := producer.Produce(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Println(path)

	return nil
}
