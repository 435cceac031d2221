package media

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrImageMissing  = errors.New("image is required")
	ErrImageEmpty    = errors.New("image is empty")
	ErrImageTooLarge = errors.New("image is too large")
	ErrNotAnImage    = errors.New("file must be an image")
)

// Image is a validated image part of a multipart request.
type Image struct {
	ContentType string
	Data        []byte
}

func (i Image) DataURI() string {
	return dataURI(i.ContentType, i.Data)
}

// ReadImage reads the multipart field and checks it is a non-empty image of
// at most limit bytes. The declared content type wins over sniffing.
func ReadImage(r *http.Request, field string, limit int64) (Image, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return Image{}, ErrImageMissing
	}
	if err != nil {
		return Image{}, fmt.Errorf("read %s: %w", field, err)
	}
	defer file.Close()

	if header.Size > limit {
		return Image{}, ErrImageTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return Image{}, fmt.Errorf("read %s: %w", field, err)
	}
	switch {
	case len(data) == 0:
		return Image{}, ErrImageEmpty
	case int64(len(data)) > limit:
		return Image{}, ErrImageTooLarge
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return Image{}, ErrNotAnImage
	}

	return Image{ContentType: contentType, Data: data}, nil
}
