package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/logger"
)

// ErrNotRetryable is returned by Retry for messages that are not in a
// failed, retryable state.
var ErrNotRetryable = errors.New("message cannot be retried")

// Coordinator renders sends immediately and persists them in the
// background. A send that fails stays visible as Failed; only
// PersistenceUnavailable failures may be retried, and a retry reuses
// the original message id.
type Coordinator struct {
	transport Transport
	timeout   time.Duration
	newID     func() string
	now       func() time.Time
	log       *zap.Logger

	wg sync.WaitGroup
}

func NewCoordinator(t Transport, log *zap.Logger) *Coordinator {
	return &Coordinator{
		transport: t,
		timeout:   30 * time.Second,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.OrNop(log),
	}
}

// Send renders content in v as a pending message and starts the durable
// write. It returns the client-generated message id.
func (c *Coordinator) Send(v *View, content string) string {
	actor := c.transport.Actor()
	local := domain.Message{
		ID:             c.newID(),
		ConversationID: v.conversationID,
		SenderRole:     actor.Role,
		SenderIdentity: actor.Identity,
		Content:        strings.TrimSpace(content),
		CreatedAt:      c.now(),
	}
	v.addLocal(local)
	c.persist(v, local)
	return local.ID
}

// Retry resubmits a failed retryable message with its original id.
func (c *Coordinator) Retry(v *View, id string) error {
	m, ok := v.setPending(id)
	if !ok {
		return ErrNotRetryable
	}
	v.changed()
	c.persist(v, m)
	return nil
}

// Wait blocks until every issued send has completed or failed.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// persist runs independently of the view: closing the view does not
// cancel the write, it only turns reconciliation into a no-op.
func (c *Coordinator) persist(v *View, m domain.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		stored, err := c.transport.Send(ctx, m.ConversationID, m.ID, m.Content)
		retryable := errors.Is(err, domain.ErrPersistenceUnavailable)
		if err != nil {
			c.log.Warn("send failed",
				zap.String("conversation_id", m.ConversationID),
				zap.String("message_id", m.ID),
				zap.Bool("retryable", retryable),
				zap.Error(err),
			)
		}
		v.reconcile(m.ID, stored, err, retryable)
	}()
}
