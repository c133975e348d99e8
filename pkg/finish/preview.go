package finish

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mpapenbr/racetimer-go/pkg/model"
)

// FrameSource provides the most recent display frame.
type FrameSource interface {
	Latest() (model.Frame, bool)
}

// PreviewRoute serves GET /preview.jpg from src.
func PreviewRoute(src FrameSource, quality int) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/preview.jpg", func(w http.ResponseWriter, req *http.Request) {
			frame, ok := src.Latest()
			if !ok || frame.Validate() != nil {
				writeJSON(w, http.StatusServiceUnavailable,
					errorResponse{Status: "error", Message: "No frame available"})
				return
			}
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, frame.Image(),
				&jpeg.Options{Quality: quality}); err != nil {
				writeJSON(w, http.StatusInternalServerError,
					errorResponse{Status: "error", Message: err.Error()})
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(buf.Bytes())
		})
	}
}
