package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"supportchat/internal/client"
	"supportchat/internal/logger"
)

var watchFlags struct {
	noRead   bool
	logLevel string
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live and send lines typed on stdin",
	Long: `watch prints the conversation history and every live update.

Each line read from stdin is sent as a message. Lines starting with a
slash are commands:

  /retry <message-id>   resend a failed message with its original id
  /quit                 stop watching`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.New(watchFlags.logLevel, false)
		if err != nil {
			return err
		}
		defer log.Sync()

		r, err := remote()
		if err != nil {
			return err
		}
		p := &printer{seen: make(map[string]string)}
		// Open may report changes before it returns.
		var current atomic.Pointer[client.View]
		onChange := func() {
			if v := current.Load(); v != nil {
				p.print(v)
			}
		}

		ctx, cancel := commandContext(cmd)
		view, err := client.Open(ctx, r, args[0],
			client.WithAutoRead(!watchFlags.noRead),
			client.WithOnChange(onChange),
			client.WithLogger(log),
		)
		cancel()
		if err != nil {
			return err
		}
		defer view.Close()
		current.Store(view)
		p.print(view)

		coord := client.NewCoordinator(r, log)
		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-cmd.Context().Done():
				coord.Wait()
				return nil
			case <-view.Done():
				coord.Wait()
				return fmt.Errorf("connection to %s closed", opts.server)
			case line, ok := <-lines:
				if !ok {
					coord.Wait()
					return nil
				}
				if done := handleLine(coord, view, line, log); done {
					coord.Wait()
					return nil
				}
			}
		}
	},
}

func handleLine(coord *client.Coordinator, view *client.View, line string, log *zap.Logger) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if err := coord.Retry(view, id); err != nil {
			fmt.Fprintf(os.Stderr, "retry %s: %v\n", id, err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Fprintf(os.Stderr, "unknown command %q\n", line)
	default:
		id := coord.Send(view, line)
		log.Debug("queued message", zap.String("message_id", id))
	}
	return false
}

// printer writes each item once per distinct state so redraws stay
// append-only on a plain terminal.
type printer struct {
	mu              sync.Mutex
	seen            map[string]string
	status          string
	ratingAnnounced bool
}

func (p *printer) print(v *client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := v.Conversation(); c != nil && string(c.Status) != p.status {
		if p.status != "" {
			fmt.Printf("-- conversation is now %s\n", c.Status)
		}
		p.status = string(c.Status)
	}
	for _, it := range v.Items() {
		key := itemKey(it)
		if p.seen[it.Message.ID] == key {
			continue
		}
		p.seen[it.Message.ID] = key
		fmt.Println(formatItem(it))
	}
	if v.RatingRequested() && !p.ratingAnnounced {
		p.ratingAnnounced = true
		fmt.Println("-- the conversation was closed; rate it with `chatctl rate`")
	}
}

func itemKey(it client.Item) string {
	return fmt.Sprintf("%s/%t", it.State, it.Read())
}

func formatItem(it client.Item) string {
	m := it.Message
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s/%s: %s", humanize.Time(m.CreatedAt), m.SenderRole, m.SenderIdentity, m.Content)
	switch it.State {
	case client.Pending:
		b.WriteString(" (sending)")
	case client.Failed:
		if it.Retryable {
			fmt.Fprintf(&b, " (failed: %v; /retry %s)", it.Err, m.ID)
		} else {
			fmt.Fprintf(&b, " (failed: %v)", it.Err)
		}
	case client.Sent:
		if it.Read() {
			b.WriteString(" (read)")
		}
	}
	return b.String()
}

func init() {
	watchCmd.Flags().BoolVar(&watchFlags.noRead, "no-read", false, "do not mark incoming messages read")
	watchCmd.Flags().StringVar(&watchFlags.logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	rootCmd.AddCommand(watchCmd)
}
