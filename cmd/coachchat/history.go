package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/history"
)

type historyRow struct {
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	Date      string `json:"date,omitempty"`
	Messages  int    `json:"messages"`
}

func newHistoryCommand() *cobra.Command {
	var (
		userID  string
		asJSON  bool
		details bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a learner's previous conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user-id is required")
			}
			api, err := newAPIClient(settings)
			if err != nil {
				return err
			}
			// fetch directly so backend errors reach the user instead of an empty list
			entries, err := api.FetchHistory(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), history.Aggregate(entries), asJSON, details)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "learner id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&details, "messages", false, "print every message")
	return cmd
}

func writeHistory(w io.Writer, conversations []chat.Conversation, asJSON, details bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if details {
			return enc.Encode(conversations)
		}
		rows := make([]historyRow, 0, len(conversations))
		for _, c := range conversations {
			row := historyRow{ChannelID: c.ChannelID, Title: history.Title(c), Messages: len(c.Messages)}
			if d, ok := history.Date(c); ok {
				row.Date = d.UTC().Format("2006-01-02")
			}
			rows = append(rows, row)
		}
		return enc.Encode(rows)
	}

	if len(conversations) == 0 {
		_, err := fmt.Fprintln(w, "no previous conversations")
		return err
	}
	for i, c := range conversations {
		if _, err := fmt.Fprintf(w, "%3d. %s  %-33s  %s\n", i+1, formatDate(c), history.Title(c), c.ChannelID); err != nil {
			return err
		}
		if !details {
			continue
		}
		for _, m := range c.Messages {
			if _, err := fmt.Fprintf(w, "       %-5s %s\n", m.Role, m.Text); err != nil {
				return err
			}
		}
	}
	return nil
}
