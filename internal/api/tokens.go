package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if d.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "PostgreSQL not configured"})
		return
	}

	var req CreateTokenReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	token, plaintext, err := d.Tokens.CreateToken(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("failed to create token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create token"})
		return
	}
	writeJSON(w, http.StatusCreated, CreateTokenResp{
		ID:          token.ID,
		Name:        token.Name,
		Token:       plaintext,
		TokenPrefix: token.TokenPrefix,
		CreatedAt:   token.CreatedAt,
	})
}

func (d *Dependencies) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if d.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "PostgreSQL not configured"})
		return
	}

	tokens, err := d.Tokens.ListTokens(r.Context())
	if err != nil {
		d.Logger.Error("failed to list tokens", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list tokens"})
		return
	}
	resp := make([]TokenResp, 0, len(tokens))
	for _, token := range tokens {
		resp = append(resp, TokenResp{
			ID:          token.ID,
			Name:        token.Name,
			TokenPrefix: token.TokenPrefix,
			CreatedAt:   token.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if d.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "PostgreSQL not configured"})
		return
	}

	id := r.PathValue("id")
	if err := d.Tokens.DeleteToken(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Token not found"})
			return
		}
		d.Logger.Error("failed to delete token", zap.String("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete token"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
