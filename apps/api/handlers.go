package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mahaj/garage-relay/pkg/auth"
	"github.com/mahaj/garage-relay/pkg/db"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type ctxKey struct{}

type inbox interface {
	Inbox(ctx context.Context, userID string) ([]db.InboxEntry, error)
	History(ctx context.Context, conversationID string, before int64, limit int) ([]model.Envelope, error)
	MarkRead(ctx context.Context, conversationID, userID string, messageID int64) error
	GetConversationMembers(ctx context.Context, conversationID string) ([]string, error)
}

type onlineSet interface {
	Online(ctx context.Context) ([]string, error)
}

type tokens interface {
	GenerateToken(userID string) (string, error)
	ValidateToken(token string) (*auth.Claims, error)
}

type API struct {
	store  inbox
	online onlineSet
	tokens tokens
	logger zerolog.Logger
}

func (a *API) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/login", cors(http.HandlerFunc(a.login)))
	mux.Handle("/conversations", cors(a.authed(a.conversations)))
	mux.Handle("/conversations/read", cors(a.authed(a.markRead)))
	mux.Handle("/history", cors(a.authed(a.history)))
	mux.Handle("/online", cors(a.authed(a.onlineUsers)))
	return mux
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.tokens.ValidateToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.UserID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	token, err := a.tokens.GenerateToken(req.UserID)
	if err != nil {
		a.logger.Error().Err(err).Msg("token generation failed")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, loginResponse{Token: token})
}

func (a *API) conversations(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.Inbox(r.Context(), userFrom(r))
	if err != nil {
		a.logger.Error().Err(err).Str("user", userFrom(r)).Msg("inbox query failed")
		http.Error(w, "Failed to load conversations", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []db.InboxEntry{}
	}
	writeJSON(w, entries)
}

// member reports whether the caller belongs to the conversation.
func (a *API) member(r *http.Request, conversationID string) (bool, error) {
	members, err := a.store.GetConversationMembers(r.Context(), conversationID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userFrom(r) {
			return true, nil
		}
	}
	return false, nil
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
		before = n
	}

	ok, err := a.member(r, conversationID)
	if err != nil {
		a.logger.Error().Err(err).Str("conversation", conversationID).Msg("membership query failed")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := a.store.History(r.Context(), conversationID, before, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("conversation", conversationID).Msg("history query failed")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []model.Envelope{}
	}
	writeJSON(w, msgs)
}

type readRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.store.MarkRead(r.Context(), req.ConversationID, userFrom(r), req.MessageID); err != nil {
		a.logger.Error().Err(err).Msg("reset unread failed")
		http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if a.online == nil {
		http.Error(w, "presence cache not configured", http.StatusServiceUnavailable)
		return
	}
	users, err := a.online.Online(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("online query failed")
		http.Error(w, "Failed to load presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, map[string][]string{"users": users})
}
