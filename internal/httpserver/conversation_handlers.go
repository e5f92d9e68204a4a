package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"supportchat/internal/domain"
	"supportchat/internal/service"
)

type conversationCreateRequest struct {
	ClientID   string  `json:"client_id"`
	Title      *string `json:"title"`
	Category   *string `json:"category"`
	ProjectRef *string `json:"project_ref"`
}

type assignRequest struct {
	StaffID string `json:"staff_id"`
}

func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := CurrentActor(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthenticated"})
	}
	return actor, ok
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

// @Summary      Open a conversation
// @Description  A client opens a conversation for itself; staff must name the client and is assigned to it.
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Param        input body conversationCreateRequest true "Conversation"
// @Success      201  {object}  domain.Conversation
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations [post]
func handleCreateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req conversationCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		conv, err := convSvc.Create(r.Context(), actor, service.ConversationCreateInput{
			ClientID:   req.ClientID,
			Title:      req.Title,
			Category:   req.Category,
			ProjectRef: req.ProjectRef,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

// @Summary      List conversations
// @Description  Conversations visible to the caller, most recently updated first.
// @Tags         conversations
// @Produce      json
// @Param        project_ref query string false "Project reference"
// @Param        status      query string false "active, closed or archived"
// @Success      200  {array}   domain.Conversation
// @Router       /conversations [get]
func handleListConversations(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		in := service.ConversationListInput{ProjectRef: optionalQuery(r, "project_ref")}
		if s := optionalQuery(r, "status"); s != nil {
			st := domain.Status(*s)
			in.Status = &st
		}
		convs, err := convSvc.List(r.Context(), actor, in)
		if err != nil {
			writeError(w, err)
			return
		}
		if convs == nil {
			convs = []*domain.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

// @Summary      Get a conversation
// @Tags         conversations
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {object}  domain.Conversation
// @Failure      404  {object}  errorResponse
// @Router       /conversations/{conversationID} [get]
func handleGetConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		conv, err := convSvc.Get(r.Context(), actor, chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

type transitionFunc func(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error)

// @Summary      Change conversation status
// @Description  close, archive or reopen. A rejected transition returns 409 with the current conversation.
// @Tags         conversations
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Param        action         path string true "close, archive or reopen"
// @Success      200  {object}  domain.Conversation
// @Failure      409  {object}  errorResponse
// @Router       /conversations/{conversationID}/{action} [post]
func handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		conv, err := fn(r.Context(), actor, chi.URLParam(r, "conversationID"))
		if err != nil {
			writeTransitionError(w, err, conv)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Delete a conversation for the caller
// @Description  Soft delete: hides the conversation from the caller's list only.
// @Tags         conversations
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {object}  domain.Conversation
// @Router       /conversations/{conversationID} [delete]
func handleDeleteConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return handleTransition(convSvc.SoftDelete)
}

// @Summary      Assign staff
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Param        input body assignRequest false "Staff member (defaults to caller)"
// @Success      200  {object}  domain.Conversation
// @Router       /conversations/{conversationID}/assign [post]
func handleAssign(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req assignRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, err)
				return
			}
		}
		conv, err := convSvc.Assign(r.Context(), actor, chi.URLParam(r, "conversationID"), req.StaffID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Mark messages read
// @Description  Marks every unread message from the other party as read.
// @Tags         conversations
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {object}  domain.ReadReceipt
// @Router       /conversations/{conversationID}/read [post]
func handleMarkConversationRead(receipts *service.ReceiptService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		receipt, err := receipts.MarkRead(r.Context(), actor, chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if receipt.MessageIDs == nil {
			receipt.MessageIDs = []string{}
		}
		writeJSON(w, http.StatusOK, receipt)
	}
}

type unreadResponse struct {
	Unread int `json:"unread"`
}

// @Summary      Unread count
// @Description  Messages from the other party not yet read, in conversations visible to the caller.
// @Tags         conversations
// @Produce      json
// @Param        conversation_id query string false "Conversation ID"
// @Param        project_ref     query string false "Project reference"
// @Success      200  {object}  unreadResponse
// @Router       /unread [get]
func handleUnread(counter *service.UnreadCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		n, err := counter.Count(r.Context(), actor, service.UnreadInput{
			ConversationID: optionalQuery(r, "conversation_id"),
			ProjectRef:     optionalQuery(r, "project_ref"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
	}
}
