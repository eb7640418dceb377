package frames

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/amillerrr/revspot-vision/pkg/models"
)

// ErrInvalidDataURI is returned for data URIs that are not base64 images.
var ErrInvalidDataURI = fmt.Errorf("%w: invalid frame data URI", models.ErrValidation)

// ParseDataURI decodes a "data:<mime>;base64,<payload>" image URI.
func ParseDataURI(uri string) (*Frame, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, ErrInvalidDataURI
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok || !strings.HasPrefix(mime, "image/") {
		return nil, ErrInvalidDataURI
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Join(ErrInvalidDataURI, err)
	}
	if len(data) == 0 {
		return nil, ErrInvalidDataURI
	}
	return &Frame{Data: data, MimeType: mime}, nil
}
