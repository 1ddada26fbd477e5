package session

import (
	"encoding/base64"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// PairingMode selects how a new identity is paired.
type PairingMode string

const (
	// PairingCode asks the protocol server for a numeric code the user types on the phone.
	PairingCode PairingMode = "code"
	// PairingQR shows the QR payload as an image to scan.
	PairingQR PairingMode = "qr"
)

// ParsePairingMode returns PairingCode for anything but "qr".
func ParsePairingMode(s string) PairingMode {
	if strings.EqualFold(strings.TrimSpace(s), string(PairingQR)) {
		return PairingQR
	}
	return PairingCode
}

const qrImageSize = 256

// Artifact is the pairing credential currently offered to the user.
type Artifact struct {
	Mode PairingMode
	// Code is the display form: a grouped code, or a PNG data URL in QR mode.
	Code string
	// Raw is the value as issued by the protocol client.
	Raw       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the artifact is past its expiry at now.
func (a Artifact) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

func newCodeArtifact(raw string, now time.Time, ttl time.Duration) Artifact {
	return Artifact{
		Mode:      PairingCode,
		Code:      FormatPairingCode(raw),
		Raw:       raw,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func newQRArtifact(raw string, now time.Time, ttl time.Duration) Artifact {
	return Artifact{
		Mode:      PairingQR,
		Code:      qrDataURL(raw),
		Raw:       raw,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// FormatPairingCode groups a code for display: by three when the length is a multiple
// of three ("123456789" -> "123-456-789"), by four otherwise ("ABCD1234" -> "ABCD-1234").
func FormatPairingCode(raw string) string {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if len(raw) <= 4 {
		return raw
	}
	group := 4
	if len(raw)%3 == 0 {
		group = 3
	}

	var b strings.Builder
	for i := 0; i < len(raw); i += group {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + group
		if end > len(raw) {
			end = len(raw)
		}
		b.WriteString(raw[i:end])
	}
	return b.String()
}

// qrDataURL renders payload as a PNG data URL. The raw payload is returned if encoding fails.
func qrDataURL(payload string) string {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return payload
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
