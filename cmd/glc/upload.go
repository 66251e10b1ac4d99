package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/archive"
	"github.com/gamelaunchercloud/glc/pkg/history"
	"github.com/gamelaunchercloud/glc/pkg/orchestrator"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	uploadAppID       int64
	uploadBuildDir    string
	uploadArtifact    string
	uploadNotes       string
	uploadSkipArchive bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Archive a build and upload it",
	Long: `Archive the build directory, check the plan quota, upload the archive
and follow server-side processing. Ctrl+C cancels the upload; once the build
is submitted it requests server-side cancellation. A second Ctrl+C stops
waiting without cancelling.`,
	RunE: runUpload,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <app-build-id>",
	Short: "Retry finalizing an uploaded build",
	Long: `Re-send the file-ready notification for a build whose transfer completed
but whose finalize step failed, then follow its processing.`,
	Args: cobra.ExactArgs(1),
	RunE: runFinalize,
}

func init() {
	rootCmd.AddCommand(uploadCmd, finalizeCmd)

	uploadCmd.Flags().Int64Var(&uploadAppID, "app", 0, "app id")
	uploadCmd.Flags().StringVar(&uploadBuildDir, "dir", "", "build directory to archive")
	uploadCmd.Flags().StringVar(&uploadArtifact, "artifact", "",
		"upload this archive instead of producing one")
	uploadCmd.Flags().StringVar(&uploadNotes, "notes", "", "build notes")
	uploadCmd.Flags().BoolVar(&uploadSkipArchive, "skip-archive", false,
		"reuse the existing archive in the output directory")
	_ = uploadCmd.MarkFlagRequired("app")
	uploadCmd.MarkFlagsMutuallyExclusive("artifact", "skip-archive")
}

func newProducer(sess *session) archive.Producer {
	return archive.NewZipProducer(log, archive.Config{
		OutputDir:        sess.cfg.Build.OutputDir,
		ArchiveName:      sess.cfg.Build.ArchiveName,
		MinFreeSpace:     sess.cfg.Build.MinFreeSpaceBytes(),
		CompressionLevel: sess.cfg.Build.CompressionLevel,
	})
}

// inspectBuild reports the uncompressed size of dir as the producer would
// archive it, leaving out the artifact and its temp files.
func inspectBuild(ctx context.Context, producer archive.Producer, dir string) (*archive.BuildInfo, error) {
	info, err := producer.Inspect(ctx, dir)
	if err != nil {
		return nil, err
	}

	if !info.Exists {
		return nil, fmt.Errorf("%w in %s", archive.ErrNoBuild, dir)
	}

	return info, nil
}

// prepareArtifact resolves the archive to upload and the uncompressed size
// reported to the quota check.
func prepareArtifact(ctx context.Context, sess *session) (string, int64, error) {
	if uploadArtifact != "" {
		if uploadBuildDir == "" {
			return uploadArtifact, 0, nil
		}

		info, err := inspectBuild(ctx, newProducer(sess), uploadBuildDir)
		if err != nil {
			return "", 0, err
		}

		return uploadArtifact, info.Size, nil
	}

	if uploadBuildDir == "" {
		return "", 0, errors.New("--dir or --artifact is required")
	}

	producer := newProducer(sess)

	var (
		artifact     = producer.ArchivePath()
		uncompressed int64
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info, err := inspectBuild(gctx, producer, uploadBuildDir)
		if err != nil {
			return err
		}

		uncompressed = info.Size

		log.WithFields(logrus.Fields{
			"files": info.Files,
			"size":  units.BytesSize(float64(info.Size)),
		}).Info("Scanned build directory")

		return nil
	})

	g.Go(func() error {
		if uploadSkipArchive {
			if _, err := os.Stat(artifact); err != nil {
				return fmt.Errorf("no existing archive at %s: %w", artifact, err)
			}

			log.WithField("path", artifact).Info("Reusing existing archive")

			return nil
		}

		path, err := producer.Produce(gctx, uploadBuildDir)
		if err != nil {
			return err
		}

		artifact = path

		return nil
	})

	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	return artifact, uncompressed, nil
}

// newOrchestrator wires the renderer and, when enabled, the history
// recorder. The returned stop func closes the history store.
func newOrchestrator(ctx context.Context, sess *session) (orchestrator.Orchestrator, history.Store, func(), error) {
	store, err := sess.openHistory(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	var recorder orchestrator.Observer

	stop := func() {}

	if store != nil {
		recorder = history.NewRecorder(ctx, log, store)
		stop = func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close history store")
			}
		}
	}

	orch := orchestrator.New(log, sess.client,
		orchestrator.MultiObserver(newSnapshotLogger(log), recorder),
		orchestrator.Config{
			PollInterval: sess.cfg.Upload.PollIntervalDuration(),
			ProgressRate: sess.cfg.Upload.ProgressRate,
		})

	return orch, store, stop, nil
}

// handleInterrupts routes the first signal to orch.Cancel and the second to
// cancel, which stops waiting.
func handleInterrupts(ctx context.Context, orch orchestrator.Orchestrator, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		for n := 0; ; n++ {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if n > 0 {
					log.WithField("signal", sig).Warn("Stopped waiting, the build may keep processing")
					cancel()

					return
				}

				log.WithField("signal", sig).Info("Cancelling upload")

				if err := orch.Cancel(ctx); err != nil {
					log.WithError(err).Error("Failed to cancel upload")
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	if !sess.client.IsAuthenticated() {
		return &api.Error{Kind: api.KindNotAuthenticated, Message: "Not logged in"}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	prepCtx, stopPrep := signalContext()
	artifact, uncompressed, err := prepareArtifact(prepCtx, sess)

	stopPrep()

	if err != nil {
		return err
	}

	orch, _, stopHistory, err := newOrchestrator(ctx, sess)
	if err != nil {
		return err
	}
	defer stopHistory()

	stopSignals := handleInterrupts(ctx, orch, cancel)
	defer stopSignals()

	snap, err := orch.Upload(ctx, orchestrator.Request{
		AppID:            uploadAppID,
		ArtifactPath:     artifact,
		UncompressedSize: uncompressed,
		Notes:            uploadNotes,
	})

	return reportResult(sess, snap, err)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	buildID, err := parseBuildID(args[0])
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	orch, store, stopHistory, err := newOrchestrator(ctx, sess)
	if err != nil {
		return err
	}
	defer stopHistory()

	if store == nil {
		return errors.New("upload history is disabled (history.enabled)")
	}

	record, err := store.Get(ctx, buildID)
	if err != nil {
		return err
	}

	stopSignals := handleInterrupts(ctx, orch, cancel)
	defer stopSignals()

	snap, err := orch.RetryFinalize(ctx, orchestrator.Request{
		AppID:        record.AppID,
		ArtifactPath: record.ArtifactPath,
		FileName:     record.FileName,
	}, record.Ticket())

	return reportResult(sess, snap, err)
}

func reportResult(sess *session, snap orchestrator.Snapshot, err error) error {
	if errors.Is(err, context.Canceled) && snap.State == orchestrator.StateMonitoring {
		fmt.Printf("Build %d is still processing. Follow it with `glc status %d --watch`.\n",
			snap.AppBuildID(), snap.AppBuildID())

		return nil
	}

	if err != nil {
		return err
	}

	fmt.Printf("Build %d processed successfully.\n", snap.AppBuildID())
	fmt.Printf("App:       %s\n", api.AppURL(sess.baseURL, snap.AppID))
	fmt.Printf("Dashboard: %s\n", api.DashboardURL(sess.baseURL))

	return nil
}
