package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"supportchat/internal/domain"
	"supportchat/internal/service"
)

type messageCreateRequest struct {
	// ID is generated by the client and reused on retry.
	ID      string `json:"id"`
	Content string `json:"content"`
}

// @Summary      Send a message
// @Description  Idempotent on the client-generated id: a retry returns the stored message.
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Param        input body messageCreateRequest true "Message"
// @Success      201  {object}  domain.Message
// @Failure      409  {object}  errorResponse
// @Router       /conversations/{conversationID}/messages [post]
func handleCreateMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		msg, err := msgSvc.Send(r.Context(), actor, service.SendInput{
			ConversationID: chi.URLParam(r, "conversationID"),
			ID:             req.ID,
			Content:        req.Content,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// @Summary      List messages
// @Description  Conversation history in persistence order.
// @Tags         messages
// @Produce      json
// @Param        conversationID path  string true  "Conversation ID"
// @Param        limit          query int    false "Newest N messages"
// @Success      200  {array}   domain.Message
// @Router       /conversations/{conversationID}/messages [get]
func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Code: domain.CodeInvalidInput})
				return
			}
			limit = n
		}
		msgs, err := msgSvc.List(r.Context(), actor, chi.URLParam(r, "conversationID"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// @Summary      Get a message
// @Tags         messages
// @Produce      json
// @Param        messageID path string true "Message ID"
// @Success      200  {object}  domain.Message
// @Failure      404  {object}  errorResponse
// @Router       /messages/{messageID} [get]
func handleGetMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		msg, err := msgSvc.Get(r.Context(), actor, chi.URLParam(r, "messageID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}
