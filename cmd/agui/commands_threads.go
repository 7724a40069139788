package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/agui/internal/remote"
	"github.com/haasonsaas/agui/pkg/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// buildThreadsCmd creates the "threads" command group.
func buildThreadsCmd() *cobra.Command {
	var (
		serverURL string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversations on a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.NewClient(remote.ClientConfig{ServerURL: serverURL}, nil)
			if err != nil {
				return err
			}
			items, err := client.Threads(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			writeThreadsTable(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "Server URL (or set AGUI_SERVER_URL)")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.NewClient(remote.ClientConfig{ServerURL: serverURL}, nil)
			if err != nil {
				return err
			}
			conv, err := client.Thread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), conv)
			}
			writeConversation(cmd.OutOrStdout(), conv)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func writeThreadsTable(w io.Writer, items []models.ConversationSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})
	tw.AppendHeader(table.Row{"ID", "Created", "Updated", "Messages"})
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.ID,
			item.CreatedAt.Local().Format(time.RFC3339),
			item.UpdatedAt.Local().Format(time.RFC3339),
			item.MessageCount,
		})
	}
	if len(items) == 0 {
		tw.AppendRow(table.Row{"(no conversations)", "-", "-", 0})
	}
	tw.Render()
}

func writeConversation(w io.Writer, conv *models.Conversation) {
	fmt.Fprintf(w, "Conversation %s (%d messages)\n", conv.ID, len(conv.Messages))

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = true
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: contentWidth(w)},
	})
	tw.AppendHeader(table.Row{"Time", "Role", "Content"})
	for _, msg := range conv.Messages {
		content := msg.Content
		if msg.Role == models.RoleTool && len(msg.ToolCalls) == 1 {
			content = fmt.Sprintf("%s: %s", msg.ToolCalls[0].Name, content)
		}
		tw.AppendRow(table.Row{
			msg.Timestamp.Local().Format("15:04:05"),
			string(msg.Role),
			strings.TrimSpace(content),
		})
	}
	tw.Render()
}

// contentWidth leaves room for the time and role columns.
func contentWidth(w io.Writer) int {
	const fallback = 80
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 60 {
		return fallback
	}
	return width - 30
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
