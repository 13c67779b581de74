package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

func newRegisterCommand() *cobra.Command {
	var (
		userID string
		name   string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or update a user on the coaching backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || name == "" {
				return errors.New("--user-id and --name are required")
			}
			if role != "learner" && role != "coach" {
				return errors.Errorf("invalid role %q (learner|coach)", role)
			}
			api, err := newAPIClient(settings)
			if err != nil {
				return err
			}
			if err := api.UpsertUser(cmd.Context(), chat.User{ID: userID, DisplayName: name}, role); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s) as %s\n", name, userID, role)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "learner", "learner or coach")
	return cmd
}
