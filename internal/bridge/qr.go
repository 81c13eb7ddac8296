package bridge

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize is the rendered PNG edge length in pixels. Large enough to scan
// from a laptop screen with a phone camera.
const qrImageSize = 256

// encodeQRDataURL renders a raw pairing code into a PNG data URL the
// front-end can drop straight into an <img> tag.
func encodeQRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
