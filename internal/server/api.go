package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/parleyhq/parley/internal/history"
)

// ConversationStore is the read side of the history database.
type ConversationStore interface {
	Conversations() ([]history.Conversation, error)
	Conversation(id int64) (history.Conversation, error)
	Turns(conversationID int64) ([]history.Turn, error)
}

// ControlHooks let the feed consumer steer the live session.
type ControlHooks struct {
	End    func()
	Status func() (state string, waiting, ending bool)
}

func registerAPIRoutes(mux *http.ServeMux, store ConversationStore, controls ControlHooks) {
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		conversations, err := store.Conversations()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list conversations: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, conversations)
	})

	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid conversation id")
			return
		}

		conversation, err := store.Conversation(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get conversation: %v", err))
			return
		}

		turns, err := store.Turns(id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get conversation turns: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": conversation,
			"turns":        turns,
		})
	})

	mux.HandleFunc("POST /api/end", func(w http.ResponseWriter, r *http.Request) {
		if controls.End != nil {
			controls.End()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		state, waiting, ending := "idle", false, false
		if controls.Status != nil {
			state, waiting, ending = controls.Status()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   state,
			"waiting": waiting,
			"ending":  ending,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
