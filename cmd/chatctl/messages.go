package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"supportchat/internal/domain"
)

var messagesFlags struct {
	limit int
}

var sendFlags struct {
	id      string
	retries int
}

var rateFlags struct {
	comments string
}

var unreadFlags struct {
	conversation string
	project      string
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print a conversation's history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		msgs, err := r.MessagesLimit(ctx, args[0], messagesFlags.limit)
		if err != nil {
			return err
		}
		return render(msgs, func() { printMessages(msgs) })
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message, retrying with the same id on transient failures",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		id := sendFlags.id
		if id == "" {
			id = uuid.NewString()
		}
		content := strings.Join(args[1:], " ")

		var m *domain.Message
		for attempt := 0; ; attempt++ {
			ctx, cancel := commandContext(cmd)
			m, err = r.Send(ctx, args[0], id, content)
			cancel()
			if err == nil || !errors.Is(err, domain.ErrPersistenceUnavailable) || attempt >= sendFlags.retries {
				break
			}
			fmt.Fprintf(os.Stderr, "send %s failed, retrying: %v\n", id, err)
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		return render(m, func() { fmt.Printf("sent %s\n", m.ID) })
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark the other party's messages as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		rec, err := r.MarkRead(ctx, args[0])
		if err != nil {
			return err
		}
		return render(rec, func() { fmt.Printf("marked %d message(s) read\n", len(rec.MessageIDs)) })
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Count unread messages from the other party",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		n, err := r.Unread(ctx, unreadFlags.conversation, unreadFlags.project)
		if err != nil {
			return err
		}
		return render(map[string]int{"unread": n}, func() { fmt.Println(humanize.Comma(int64(n))) })
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <conversation-id> <1-5>",
	Short: "Rate a closed conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("rating must be a number: %w", err)
		}
		r, err := remote()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		rt, err := r.Rate(ctx, args[0], score, optional(rateFlags.comments))
		if err != nil {
			return err
		}
		return render(rt, func() { fmt.Printf("rated %s: %d/5\n", rt.ConversationID, rt.Rating) })
	},
}

func init() {
	messagesCmd.Flags().IntVar(&messagesFlags.limit, "limit", 0, "only the most recent N messages")
	sendCmd.Flags().StringVar(&sendFlags.id, "id", "", "message id (generated when empty)")
	sendCmd.Flags().IntVar(&sendFlags.retries, "retries", 3, "retries on transient failures")
	rateCmd.Flags().StringVar(&rateFlags.comments, "comments", "", "optional comments")
	unreadCmd.Flags().StringVar(&unreadFlags.conversation, "conversation", "", "only this conversation")
	unreadCmd.Flags().StringVar(&unreadFlags.project, "project", "", "only conversations for this project")

	rootCmd.AddCommand(messagesCmd, sendCmd, readCmd, unreadCmd, rateCmd)
}

func printMessages(msgs []*domain.Message) {
	if len(msgs) == 0 {
		fmt.Println("no messages")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\n",
			humanize.Time(m.CreatedAt), m.SenderRole, m.SenderIdentity, readMark(m.ReadAt != nil), m.Content)
	}
	w.Flush()
}

func readMark(read bool) string {
	if read {
		return "read"
	}
	return "unread"
}
