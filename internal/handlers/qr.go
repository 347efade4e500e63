package handlers

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"

	"github.com/arloop/arlink/internal/models"
)

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// QRCode renders a link's short URL as a PNG, for printing next to the
// marker image.
func (h *LinkHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := models.GetLink(h.DB, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	shape := r.URL.Query().Get("shape") // square|circle
	fg := r.URL.Query().Get("fg")       // hex color
	dl := r.URL.Query().Get("dl")       // 0|1

	opts := []standard.ImageOption{
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
		standard.WithQRWidth(10),
		standard.WithBorderWidth(20),
		standard.WithBgTransparent(),
	}
	if shape == "circle" {
		opts = append(opts, standard.WithCircleShape())
	}
	if hexColorRe.MatchString(fg) {
		opts = append(opts, standard.WithFgColorRGBHex(fg))
	}

	qrc, err := qrcode.New(h.shortURL(id))
	if err != nil {
		http.Error(w, "failed to generate qr code", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	writer := standard.NewWithWriter(nopCloser{&buf}, opts...)
	if err := qrc.Save(writer); err != nil {
		http.Error(w, "failed to render qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if dl == "1" {
		w.Header().Set("Content-Disposition", "attachment; filename=\""+id+"-qr.png\"")
	}
	w.Write(buf.Bytes())
}
