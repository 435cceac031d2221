package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

const (
	maxImageBytes = 10 << 20
	defaultFolder = "media"
)

type ImageUploader interface {
	Upload(ctx context.Context, folder, imageSource string) (Upload, error)
}

// UploadHandler serves admin image uploads into a fixed set of folders.
type UploadHandler struct {
	uploader ImageUploader
	folders  map[string]bool
}

func NewUploadHandler(uploader ImageUploader, folders ...string) *UploadHandler {
	allowed := map[string]bool{defaultFolder: true}
	for _, folder := range folders {
		allowed[folder] = true
	}
	return &UploadHandler{uploader: uploader, folders: allowed}
}

// Upload takes a multipart "file" image and an optional "folder" field.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		writeResult(w, http.StatusServiceUnavailable, "image uploads are disabled", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+(1<<20))
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeResult(w, http.StatusRequestEntityTooLarge, ErrImageTooLarge.Error(), nil)
			return
		}
		writeResult(w, http.StatusBadRequest, "invalid multipart form", nil)
		return
	}

	folder := strings.TrimSpace(r.FormValue("folder"))
	if folder == "" {
		folder = defaultFolder
	}
	if !h.folders[folder] {
		writeResult(w, http.StatusBadRequest, "unknown upload folder", nil)
		return
	}

	image, err := ReadImage(r, "file", maxImageBytes)
	if err != nil {
		writeResult(w, imageErrorStatus(err), imageErrorMessage(err), nil)
		return
	}

	upload, err := h.uploader.Upload(r.Context(), folder, image.DataURI())
	if err != nil {
		sentry.CaptureException(err)
		writeResult(w, http.StatusBadGateway, "image host rejected the upload", nil)
		return
	}

	writeResult(w, http.StatusCreated, "image uploaded", upload)
}

func imageErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotAnImage):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

func imageErrorMessage(err error) string {
	for _, known := range []error{ErrImageMissing, ErrImageEmpty, ErrImageTooLarge, ErrNotAnImage} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "failed to read image"
}

func writeResult(w http.ResponseWriter, status int, message string, data any) {
	body := map[string]any{"success": status < http.StatusBadRequest, "message": message}
	if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
