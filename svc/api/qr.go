package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// GetQR renders the share URL of a readable paste as a PNG. The password
// gate applies so a QR code never confirms a protected id to a stranger.
func (h *Hdl) GetQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.pastes.Get(r.Context(), id, pastePassword(r)); err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, r, err)
		return
	}
	png, err := qrcode.Encode(h.shareURL(id), qrcode.Medium, qrSize)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
