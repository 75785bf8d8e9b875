package gateway

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// renderQR writes a terminal-scannable QR block for the login payload.
func renderQR(w io.Writer, code string) error {
	if code == "" {
		return fmt.Errorf("empty qr payload")
	}
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	_, err = io.WriteString(w, q.ToSmallString(false))
	return err
}
