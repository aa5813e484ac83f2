package cli

import (
	"log/slog"
	"os"

	"github.com/me/gowps/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagUser      string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GOWPS_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GOWPS_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gowps CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gowps",
		Short: "GoWPS client",
		Long:  "gowps deploys CWL processes to a GoWPS server, executes them and retrieves their results.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			client.User = resolveUser()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "GoWPS server URL (or GOWPS_SERVER env)")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "Act as this user (default: GOWPS_USER env, then saved login)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newLoginCmd(),
		newProcessesCmd(),
		newDescribeCmd(),
		newDeployCmd(),
		newUndeployCmd(),
		newExecuteCmd(),
		newListCmd(),
		newStatusCmd(),
		newDismissCmd(),
		newLogsCmd(),
		newResultsCmd(),
		newUploadCmd(),
	)

	return root
}

func resolveUser() string {
	if flagUser != "" {
		return flagUser
	}
	if u := os.Getenv("GOWPS_USER"); u != "" {
		return u
	}
	return LoadUser()
}
