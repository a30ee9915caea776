package pairing

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/skip2/go-qrcode"

	"botdeck/internal/model"
)

// RenderPNG turns an image artifact into PNG bytes. Data URLs (as returned by
// the rescan endpoint) are decoded; anything else is treated as the raw QR
// payload and encoded.
func RenderPNG(a model.PairingArtifact, size int) ([]byte, error) {
	if a.Kind != model.ArtifactImage {
		return nil, errors.New("pairing: artifact is not an image")
	}
	if strings.HasPrefix(a.Value, "data:") {
		i := strings.Index(a.Value, ";base64,")
		if i < 0 {
			return nil, errors.New("pairing: unsupported data URL")
		}
		return base64.StdEncoding.DecodeString(a.Value[i+len(";base64,"):])
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(a.Value, qrcode.Medium, size)
}
