package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      = newLogger(os.Stdout)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		exitWithError(log, err)
	}
}

// newLogger builds the CLI logger. Output goes to w so failures stay on the
// same stream as progress.
func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return l
}

// exitWithError logs err with its failure kind and the user-facing message,
// then exits non-zero.
func exitWithError(l *logrus.Logger, err error) {
	l.WithError(err).WithField("kind", api.KindOf(err)).Fatal(api.UserMessage(err))
}

var rootCmd = &cobra.Command{
	Use:   "glc",
	Short: "Game Launcher Cloud build uploader",
	Long: `glc packages a game build, uploads it to Game Launcher Cloud and
follows its server-side processing until it completes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyLogLevel(log, logLevel)
	},
}

func applyLogLevel(l *logrus.Logger, name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}

	l.SetLevel(level)

	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("glc %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
