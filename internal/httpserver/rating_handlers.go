package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"supportchat/internal/service"
)

type ratingRequest struct {
	Rating   int     `json:"rating"`
	Comments *string `json:"comments"`
}

// @Summary      Rate a closed conversation
// @Description  Client only, at most once per conversation.
// @Tags         ratings
// @Accept       json
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Param        input body ratingRequest true "Rating 1-5"
// @Success      201  {object}  domain.Rating
// @Failure      409  {object}  errorResponse
// @Router       /conversations/{conversationID}/rating [post]
func handleSubmitRating(ratings *service.RatingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req ratingRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		rating, err := ratings.Submit(r.Context(), actor, chi.URLParam(r, "conversationID"), req.Rating, req.Comments)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rating)
	}
}

// @Summary      Get a conversation's rating
// @Tags         ratings
// @Produce      json
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {object}  domain.Rating
// @Failure      404  {object}  errorResponse
// @Router       /conversations/{conversationID}/rating [get]
func handleGetRating(ratings *service.RatingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		rating, err := ratings.Get(r.Context(), actor, chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rating)
	}
}
