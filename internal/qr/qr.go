package qr

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultTemplate = "{code}|{amount}"

// Renderer turns a payment code into a scannable PNG, base64 encoded for JSON.
type Renderer interface {
	Render(code string, amount int64, expiresAt int64) (string, error)
}

// PNG renders QR codes whose content is a template with {code}, {amount} and
// {expires_at} placeholders, so the payload can carry whatever the payer's
// banking app expects.
type PNG struct {
	template string
	size     int
}

func NewPNG(template string, size int) *PNG {
	if template == "" {
		template = DefaultTemplate
	}
	if size <= 0 {
		size = 256
	}
	return &PNG{template: template, size: size}
}

// Content returns the text encoded into the QR image.
func (p *PNG) Content(code string, amount int64, expiresAt int64) string {
	return strings.NewReplacer(
		"{code}", code,
		"{amount}", strconv.FormatInt(amount, 10),
		"{expires_at}", strconv.FormatInt(expiresAt, 10),
	).Replace(p.template)
}

func (p *PNG) Render(code string, amount int64, expiresAt int64) (string, error) {
	png, err := qrcode.Encode(p.Content(code, amount, expiresAt), qrcode.Medium, p.size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
