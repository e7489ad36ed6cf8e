package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"pastevault/pkg/domain"
	"pastevault/svc/auth"
	"pastevault/svc/svc"
)

type AuthHdl struct {
	accounts *svc.Account
}
type CredentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
type RefreshReq struct {
	RefreshToken string `json:"refresh_token"`
}
type PasswordReq struct {
	Password string `json:"password"`
}
type UserResp struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}
type AuthResp struct {
	User   UserResp        `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}
type TokensResp struct {
	Tokens *auth.TokenPair `json:"tokens"`
}
type ProfileResp struct {
	UserResp
	PasteCount int `json:"paste_count"`
}

func toUserResp(a domain.Account) UserResp {
	return UserResp{ID: a.ID, Username: a.Username, CreatedAt: a.CreatedAt.Format(time.RFC3339)}
}

func (h *AuthHdl) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decode(w, r, smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	acc, pair, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuthResp{User: toUserResp(acc), Tokens: pair})
}

func (h *AuthHdl) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decode(w, r, smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	acc, pair, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		hlog.FromRequest(r).Info().Str("auth_event", "login_failed").Msg("login rejected")
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResp{User: toUserResp(acc), Tokens: pair})
}

func (h *AuthHdl) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshReq
	if err := decode(w, r, smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokensResp{Tokens: pair})
}

// Logout needs the raw access token, so it reads the header itself instead
// of going through Required. The refresh token in the body is optional.
func (h *AuthHdl) Logout(w http.ResponseWriter, r *http.Request) {
	access := bearerToken(r)
	if access == "" {
		writeErr(w, r, domain.ErrUnauthorized)
		return
	}
	var req RefreshReq
	if r.ContentLength != 0 {
		if err := decode(w, r, smallBody, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	if err := h.accounts.Logout(r.Context(), access, req.RefreshToken); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHdl) Profile(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	prof, err := h.accounts.Profile(r.Context(), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResp{UserResp: toUserResp(prof.Account), PasteCount: prof.PasteCount})
}

func (h *AuthHdl) DeleteAccount(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req PasswordReq
	if err := decode(w, r, smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.accounts.Delete(r.Context(), p, req.Password); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
