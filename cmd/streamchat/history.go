package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/adapters"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
	"github.com/ZanzyTHEbar/streamchat/chat/db"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Print journaled turns",
	Long: `Without arguments, lists the most recent conversations in the archive.
With a conversation ID, prints its last turns oldest first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		conn, err := db.ConnectToDB(ctx, cfg.Archive.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer conn.Close()
		archive := adapters.NewLibSQLArchive(conn)

		if len(args) == 0 {
			convs, err := archive.ListConversations(ctx, historyLimit)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), convs)
		}

		turns, err := archive.LoadTurns(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		return printTurns(cmd.OutOrStdout(), turns)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of entries")
}

func printConversations(w io.Writer, convs []ports.ConversationSummary) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "no conversations archived")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tTURNS\tLAST TURN")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.ConversationID, c.Turns, c.LastTurnAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printTurns(w io.Writer, turns []ports.TurnRecord) error {
	if len(turns) == 0 {
		_, err := fmt.Fprintln(w, "no turns archived")
		return err
	}
	for _, t := range turns {
		fmt.Fprintf(w, "[%s] %s (%d fragments)\n", t.EndedAt.Format(time.RFC3339), t.State, t.Fragments)
		fmt.Fprintf(w, "user: %s\n", t.Prompt)
		fmt.Fprintf(w, "assistant: %s\n", t.Reply)
		if t.Error != "" {
			fmt.Fprintf(w, "error: %s\n", t.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}
