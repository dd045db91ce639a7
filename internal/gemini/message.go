package gemini

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message roles for conversation context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn of conversation context passed to the
// generation client.
type Message struct {
	Role      string
	Content   string
	HasImage  bool
	Timestamp time.Time
}

// ErrInvalidImage indicates an image payload that is not a valid
// base64 data URL.
var ErrInvalidImage = errors.New("invalid image data URL")

// Image is a decoded inline image for a text+image prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

// DecodeDataURL decodes a "data:<mime>;base64,<payload>" URL into an Image.
// An unrecognized mime type falls back to image/jpeg, matching the
// permissive handling of browser-supplied uploads.
func DecodeDataURL(s string) (Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing data: prefix", ErrInvalidImage)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing payload separator", ErrInvalidImage)
	}
	mime, _ := strings.CutSuffix(meta, ";base64")
	if mime == meta {
		return Image{}, fmt.Errorf("%w: not base64 encoded", ErrInvalidImage)
	}
	if mime == "" || !strings.Contains(mime, "/") {
		mime = "image/jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	return Image{MIMEType: mime, Data: data}, nil
}
