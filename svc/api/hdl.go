package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"pastevault/cfg"
	"pastevault/pkg/domain"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

// smallBody bounds request bodies that never carry paste content.
const smallBody = 16 * 1024

type Hdl struct {
	pastes *svc.Paste
	cfg    *cfg.Cfg
}
type CreateReq struct {
	Content  string `json:"content"`
	Password string `json:"password,omitempty"`
	Expiry   string `json:"expiry,omitempty"`
	Language string `json:"language,omitempty"`
}
type CreateResp struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
}
type UpdateReq struct {
	Content  *string `json:"content"`
	Language *string `json:"language"`
	Expiry   *string `json:"expiry"`
}
type UnlockReq struct {
	Password string `json:"password"`
}
type PasteResp struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Language    string `json:"language,omitempty"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	HasPassword bool   `json:"has_password"`
	Owned       bool   `json:"owned"`
}
type PasteItem struct {
	ID          string `json:"id"`
	Language    string `json:"language,omitempty"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	HasPassword bool   `json:"has_password"`
	Size        int    `json:"size"`
}
type ListResp struct {
	Pastes []PasteItem `json:"pastes"`
	Total  int         `json:"total"`
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	log := hlog.FromRequest(r)
	if !isJSON(r) {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		writeErr(w, r, domain.ErrInvalidJSON)
		return
	}
	// JSON escaping can double the encoded size of the content
	limit := h.cfg.MaxPasteSize*2 + smallBody
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, r, domain.ErrContentTooLarge)
		return
	}
	var req CreateReq
	if err := decode(w, r, limit, &req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, r, err)
		return
	}
	paste, err := h.pastes.Create(r.Context(), p, svc.CreateParams{
		Content:  req.Content,
		Password: req.Password,
		Expiry:   req.Expiry,
		Language: req.Language,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := CreateResp{
		ID:        paste.ID,
		URL:       h.shareURL(paste.ID),
		CreatedAt: paste.CreatedAt.Format(time.RFC3339),
	}
	if paste.ExpiresAt.Valid {
		resp.ExpiresAt = paste.ExpiresAt.V.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paste, err := h.pastes.Get(r.Context(), id, pastePassword(r))
	if err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPasteResp(paste))
}

func (h *Hdl) GetRawPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	content, err := h.pastes.GetRaw(r.Context(), id, pastePassword(r))
	if err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *Hdl) UnlockPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UnlockReq
	if err := decode(w, r, smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	paste, err := h.pastes.Unlock(r.Context(), id, req.Password)
	if err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPasteResp(paste))
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := chi.URLParam(r, "id")
	var req UpdateReq
	if err := decode(w, r, h.cfg.MaxPasteSize*2+smallBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	paste, err := h.pastes.Update(r.Context(), p, id, svc.UpdateParams{
		Content:  req.Content,
		Language: req.Language,
		Expiry:   req.Expiry,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPasteResp(paste))
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := chi.URLParam(r, "id")
	if err := h.pastes.Delete(r.Context(), p, id); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("paste_id", id).Msg("delete rejected")
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPastes treats unparsable paging parameters like absent ones.
func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	res, err := h.pastes.ListByOwner(r.Context(), p, page, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := ListResp{
		Pastes: make([]PasteItem, 0, len(res.Items)),
		Total:  res.Total,
		Page:   res.Page,
		Limit:  res.Limit,
	}
	for _, s := range res.Items {
		item := PasteItem{
			ID:          s.ID,
			Language:    s.Language.V,
			CreatedAt:   s.CreatedAt.Format(time.RFC3339),
			HasPassword: s.HasPassword,
			Size:        s.Size,
		}
		if s.ExpiresAt.Valid {
			item.ExpiresAt = s.ExpiresAt.V.Format(time.RFC3339)
		}
		resp.Pastes = append(resp.Pastes, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hdl) shareURL(id string) string {
	return h.cfg.PublicURL + "/" + id
}
func (h *Hdl) logReadFailure(r *http.Request, id string, err error) {
	if errors.Is(err, domain.ErrInvalidPassword) {
		hlog.FromRequest(r).Warn().
			Str("paste_id", id).
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("failed password attempt")
	}
}

func toPasteResp(p *domain.Paste) PasteResp {
	resp := PasteResp{
		ID:          p.ID,
		Content:     p.Content,
		Language:    p.Language.V,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
		HasPassword: p.HasPassword(),
		Owned:       p.IsOwned(),
	}
	if p.ExpiresAt.Valid {
		resp.ExpiresAt = p.ExpiresAt.V.Format(time.RFC3339)
	}
	return resp
}

// pastePassword reads the query parameter first, then the header.
func pastePassword(r *http.Request) string {
	if pw := r.URL.Query().Get("password"); pw != "" {
		return pw
	}
	return r.Header.Get("X-Paste-Password")
}
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// decode reads one JSON object of at most limit bytes. Oversized bodies map
// to content_too_large, anything else unreadable to invalid_json.
func decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrContentTooLarge
		}
		return domain.ErrInvalidJSON
	}
	if dec.More() {
		return domain.ErrInvalidJSON
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errEnvelope struct {
	domain.ErrResp
	RequestID string `json:"request_id,omitempty"`
}

// writeErr renders err through the domain taxonomy. Anything outside it is
// logged in full and reported as a bare internal error.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("internal error")
		var de *domain.Err
		if !errors.As(err, &de) {
			err = domain.ErrInternalServer
		}
	}
	writeJSON(w, status, errEnvelope{ErrResp: domain.ToResp(err), RequestID: requestID})
}
