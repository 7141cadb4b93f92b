package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	server string
	token  string
	debug  bool
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "tasks-watch",
		Short:   "Follow and edit the shared task list",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.token == "" {
				flags.token = os.Getenv("TASKS_TOKEN")
			}
			if flags.token == "" {
				return fmt.Errorf("a token is required (--token or TASKS_TOKEN)")
			}
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.server, "server", "s", envOr("TASKS_SERVER", "http://localhost:8080"), "Task server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token (defaults to $TASKS_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Verbose logging")

	rootCmd.AddCommand(watchCmd(flags))
	rootCmd.AddCommand(listCmd(flags))
	rootCmd.AddCommand(createCmd(flags))
	rootCmd.AddCommand(updateCmd(flags))
	rootCmd.AddCommand(deleteCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
