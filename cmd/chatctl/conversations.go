package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"supportchat/internal/client"
	"supportchat/internal/domain"
)

var listFlags struct {
	project string
	status  string
}

var openFlags struct {
	client   string
	title    string
	category string
	project  string
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations visible to the acting party",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		convs, err := r.Conversations(ctx, listFlags.project, listFlags.status)
		if err != nil {
			return err
		}
		return render(convs, func() { printConversations(convs) })
	},
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Start a new conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := r.CreateConversation(ctx, client.CreateConversation{
			ClientID:   openFlags.client,
			Title:      optional(openFlags.title),
			Category:   optional(openFlags.category),
			ProjectRef: optional(openFlags.project),
		})
		if err != nil {
			return err
		}
		return render(c, func() { printConversations([]*domain.Conversation{c}) })
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := r.Conversation(ctx, args[0])
		if err != nil {
			return err
		}
		return render(c, func() { printConversation(c) })
	},
}

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remote()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			c, err := r.Transition(ctx, args[0], action)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Conversation != nil {
					return fmt.Errorf("%w (current status: %s)", err, apiErr.Conversation.Status)
				}
				return err
			}
			return render(c, func() { printConversation(c) })
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Hide a conversation from the acting party's list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := r.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		return render(c, func() { fmt.Printf("conversation %s hidden\n", c.ID) })
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <conversation-id> [staff-id]",
	Short: "Assign a conversation to a staff member (defaults to yourself)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		staffID := ""
		if len(args) == 2 {
			staffID = args[1]
		}
		c, err := r.Assign(ctx, args[0], staffID)
		if err != nil {
			return err
		}
		return render(c, func() { printConversation(c) })
	},
}

func init() {
	conversationsCmd.Flags().StringVar(&listFlags.project, "project", "", "only conversations for this project")
	conversationsCmd.Flags().StringVar(&listFlags.status, "status", "", "only conversations in this status")

	openCmd.Flags().StringVar(&openFlags.client, "client", "", "client identity (required for staff)")
	openCmd.Flags().StringVar(&openFlags.title, "title", "", "conversation title")
	openCmd.Flags().StringVar(&openFlags.category, "category", "", "conversation category")
	openCmd.Flags().StringVar(&openFlags.project, "project", "", "project reference")

	rootCmd.AddCommand(conversationsCmd, openCmd, showCmd, deleteCmd, assignCmd)
	rootCmd.AddCommand(
		transitionCmd("close", "Close a conversation and request a rating"),
		transitionCmd("archive", "Archive an open conversation"),
		transitionCmd("reopen", "Reopen a closed or archived conversation"),
	)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func printConversations(convs []*domain.Conversation) {
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCLIENT\tSTAFF\tTITLE\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Status, c.ClientID, deref(c.StaffID), deref(c.Title), humanize.Time(c.UpdatedAt))
	}
	w.Flush()
}

func printConversation(c *domain.Conversation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", c.ID)
	fmt.Fprintf(w, "Status:\t%s\n", c.Status)
	fmt.Fprintf(w, "Client:\t%s\n", c.ClientID)
	fmt.Fprintf(w, "Staff:\t%s\n", deref(c.StaffID))
	fmt.Fprintf(w, "Title:\t%s\n", deref(c.Title))
	fmt.Fprintf(w, "Category:\t%s\n", deref(c.Category))
	fmt.Fprintf(w, "Project:\t%s\n", deref(c.ProjectRef))
	fmt.Fprintf(w, "Created:\t%s\n", humanize.Time(c.CreatedAt))
	if c.ClosedAt != nil {
		fmt.Fprintf(w, "Closed:\t%s\n", humanize.Time(*c.ClosedAt))
	}
	if c.ArchivedAt != nil {
		fmt.Fprintf(w, "Archived:\t%s\n", humanize.Time(*c.ArchivedAt))
	}
	if c.RatingRequestedAt != nil {
		fmt.Fprintf(w, "Rating requested:\t%s\n", humanize.Time(*c.RatingRequestedAt))
	}
	w.Flush()
}
