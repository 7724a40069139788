package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/agui/internal/remote"
	"github.com/haasonsaas/agui/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var demoMessages = []string{
	"My name is Alice and I live in Seattle",
	"What's my name?",
	"What's the weather like in Seattle?",
	"What time zone is Seattle in?",
	"How about the weather and time zone in Tokyo?",
}

type chatOptions struct {
	serverURL      string
	conversationID string
	message        string
	demo           bool
	toolTimeout    time.Duration
	verbose        bool
}

// buildChatCmd creates the "chat" command, the reference client.
func buildChatCmd() *cobra.Command {
	opts := chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agui server",
		Long: `Chat with a running agui server.

Client-side tools (get_weather) run in this process when the server
delegates them; server-side tools run on the server. Without --message or
--demo an interactive session starts; type ':q' or 'quit' to exit.`,
		Example: `  # Interactive session
  agui chat

  # One message, continuing an existing conversation
  agui chat --conversation 3f2a... --message "What's my name?"

  # Scripted hybrid tool demo
  agui chat --demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newChatClient(opts)
			if err != nil {
				return err
			}
			session := &chatSession{
				client:         client,
				out:            cmd.OutOrStdout(),
				conversationID: opts.conversationID,
				verbose:        opts.verbose,
			}
			switch {
			case opts.demo:
				return session.runAll(cmd.Context(), demoMessages)
			case opts.message != "":
				return session.send(cmd.Context(), opts.message)
			default:
				return session.repl(cmd.Context(), cmd.InOrStdin(), isInteractive(cmd.InOrStdin()))
			}
		},
	}

	cmd.Flags().StringVar(&opts.serverURL, "server", defaultServerURL(), "Server URL (or set AGUI_SERVER_URL)")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Send one message and exit")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "Run the scripted hybrid tool demo conversation")
	cmd.Flags().DurationVar(&opts.toolTimeout, "tool-timeout", 30*time.Second, "Timeout for each client-side tool execution")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print tool activity")
	return cmd
}

func newChatClient(opts chatOptions) (*remote.Client, error) {
	client, err := remote.NewClient(remote.ClientConfig{
		ServerURL:   opts.serverURL,
		ToolTimeout: opts.toolTimeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	client.RegisterBuiltins()
	return client, nil
}

func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// chatSession keeps the conversation id across messages.
type chatSession struct {
	client         *remote.Client
	out            io.Writer
	conversationID string
	verbose        bool
}

func (s *chatSession) runAll(ctx context.Context, messages []string) error {
	for _, msg := range messages {
		fmt.Fprintf(s.out, "User: %s\n", msg)
		if err := s.send(ctx, msg); err != nil {
			return err
		}
		fmt.Fprintln(s.out)
	}
	return nil
}

func (s *chatSession) repl(ctx context.Context, in io.Reader, interactive bool) error {
	if interactive {
		tools := s.client.Tools()
		sort.Strings(tools)
		fmt.Fprintf(s.out, "Client tools: %s\n", strings.Join(tools, ", "))
		fmt.Fprintln(s.out, "Type ':q' or 'quit' to exit")
	}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(s.out, "\nUser: ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if interactive {
				fmt.Fprintln(s.out, "Message cannot be empty.")
			}
			continue
		}
		if lower := strings.ToLower(line); lower == ":q" || lower == "quit" {
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		}
		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// The session survives a failed turn; the server committed nothing.
			fmt.Fprintf(s.out, "\nError: %v\n", err)
		}
	}
}

// send runs one turn, streaming the reply to out.
func (s *chatSession) send(ctx context.Context, message string) error {
	fmt.Fprint(s.out, "Assistant: ")
	s.client.OnText = func(delta string) { fmt.Fprint(s.out, delta) }
	s.client.OnEvent = func(e models.ProtocolEvent) {
		if !s.verbose {
			return
		}
		switch e.Event {
		case models.EventToolStarted:
			fmt.Fprintf(s.out, "\n  [server tool] %s %s\n", e.ToolName, e.Arguments)
		case models.EventRemoteToolRequested:
			fmt.Fprintf(s.out, "\n  [client tool] %s %s\n", e.ToolName, e.Arguments)
		}
	}

	result, err := s.client.Chat(ctx, message, s.conversationID)
	fmt.Fprintln(s.out)
	if result != nil && result.ConversationID != "" {
		s.conversationID = result.ConversationID
	}
	if err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorKind == "not_found" {
			return fmt.Errorf("conversation %s not found on server", s.conversationID)
		}
		return err
	}
	return nil
}
