package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amelbenhazem/task-ws-api/client"
	"github.com/amelbenhazem/task-ws-api/domain"
)

func newAPI(flags *globalFlags) *client.API {
	api := client.NewAPI(flags.server)
	api.SetToken(flags.token)
	return api
}

func listCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the tasks visible to the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			tasks, err := newAPI(flags).List(ctx)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func createCmd(flags *globalFlags) *cobra.Command {
	var in domain.CreateInput
	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			in.Title = args[0]
			task, err := newAPI(flags).Create(ctx, in)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), []domain.Task{task})
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "Task description")
	cmd.Flags().StringVar((*string)(&in.Status), "status", "", "in_progress, done or cancelled")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "Due date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVarP(&in.AssignedTo, "assign", "a", "", "Assignee user id")
	return cmd
}

func updateCmd(flags *globalFlags) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.Patch
			fs := cmd.Flags()
			if fs.Changed("title") {
				v, _ := fs.GetString("title")
				patch.Title = &v
			}
			if fs.Changed("description") {
				v, _ := fs.GetString("description")
				patch.Description = &v
			}
			if fs.Changed("status") {
				v, _ := fs.GetString("status")
				s := domain.Status(v)
				patch.Status = &s
			}
			if fs.Changed("due") {
				v, _ := fs.GetString("due")
				patch.DueDate = &v
			}
			if fs.Changed("assign") {
				v, _ := fs.GetString("assign")
				patch.AssignedTo = &v
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update")
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			task, err := newAPI(flags).Update(ctx, args[0], patch, version)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), []domain.Task{task})
			return nil
		},
	}
	cmd.Flags().String("title", "", "New title")
	cmd.Flags().StringP("description", "d", "", "New description, empty clears it")
	cmd.Flags().String("status", "", "in_progress, done or cancelled")
	cmd.Flags().String("due", "", "New due date, empty clears it")
	cmd.Flags().StringP("assign", "a", "", "New assignee, empty clears it")
	cmd.Flags().Int64Var(&version, "if-version", 0, "Only update if the task is still at this version")
	return cmd
}

func deleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a task you created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := newAPI(flags).Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printTasks(w io.Writer, tasks []domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tCREATED BY\tASSIGNED TO\tVERSION")
	for _, t := range tasks {
		assignee := "-"
		if t.AssignedTo != nil {
			assignee = t.AssignedTo.Username
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Title, t.Status, t.CreatedBy.Username, assignee, t.Version)
	}
	tw.Flush()
}
