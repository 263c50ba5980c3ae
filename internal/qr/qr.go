package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultSize = 256

// DataURL renders text as a PNG QR code at medium error correction and
// returns it as a data URL.
func DataURL(text string) (string, error) {
	png, err := qrcode.Encode(text, qrcode.Medium, DefaultSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
