package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amelbenhazem/task-ws-api/client"
	"github.com/amelbenhazem/task-ws-api/domain"
	"github.com/amelbenhazem/task-ws-api/notify"
)

func watchCmd(flags *globalFlags) *cobra.Command {
	var (
		quietSelf bool
		silent    bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the task list in sync and announce remote changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger(flags.debug)
			var cue notify.Cue = notify.TerminalBell{W: cmd.OutOrStdout()}
			if silent {
				cue = notify.TerminalBell{W: io.Discard}
			}
			opts := []notify.Option{notify.WithLogger(logger)}
			if quietSelf {
				if sub := subject(flags.token); sub != "" {
					opts = append(opts, notify.SuppressSelf(sub))
				}
			}
			dispatcher := notify.NewDispatcher(cue, notify.LogToaster{Logger: logger}, opts...)

			api := client.NewAPI(flags.server)
			api.SetToken(flags.token)
			engine := client.NewEngine(api, client.WithNotifier(dispatcher), client.WithLogger(logger))

			done := make(chan error, 1)
			go func() { done <- engine.Run(ctx) }()

			out := cmd.OutOrStdout()
			last := client.State("")
			for {
				select {
				case err := <-done:
					return err
				case <-engine.Changes():
					state := engine.State()
					if state != last {
						fmt.Fprintf(out, "-- %s\n", state)
						last = state
					}
					if state == client.StateLive {
						printStats(out, engine.Stats())
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&quietSelf, "quiet-self", false, "Do not announce changes made with this token")
	cmd.Flags().BoolVar(&silent, "silent", false, "Do not ring the terminal bell")
	return cmd
}

// subject reads the sub claim without verifying the token. It is only used to
// recognise our own events.
func subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

func newLogger(debug bool) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func printStats(w io.Writer, s domain.TaskStats) {
	fmt.Fprintf(w, "total=%d in_progress=%d done=%d cancelled=%d\n", s.Total, s.InProgress, s.Done, s.Cancelled)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}
