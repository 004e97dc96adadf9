package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/auth"
	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/tokens"
)

type AuthHandler struct {
	Users  data.UserModel
	Tokens *tokens.Manager
	Log    zerolog.Logger
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

// Register creates a user and signs them in.
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "username, email and password are required", http.StatusBadRequest)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.Log.Error().Err(err).Msg("hashing password failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	user := &data.User{Username: req.Username, Email: req.Email, PasswordHash: hash, IsActive: true}
	if err := h.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, data.ErrDuplicate) {
			http.Error(w, "Username or email already registered", http.StatusConflict)
			return
		}
		h.Log.Error().Err(err).Msg("creating user failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	h.issueToken(w, user)
}

// Login verifies credentials and returns an access token.
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.Users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		h.Log.Error().Err(err).Msg("user lookup failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ok, err := auth.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok || !user.IsActive {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	h.issueToken(w, user)
}

func (h *AuthHandler) issueToken(w http.ResponseWriter, user *data.User) {
	token, err := h.Tokens.Generate(user.ID, user.Username)
	if err != nil {
		h.Log.Error().Err(err).Msg("minting token failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userResponse{ID: user.ID, Username: user.Username, Email: user.Email},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
