package credential

import (
	"encoding/json"

	"github.com/skip2/go-qrcode"
)

// EncodeQR renders a signed credential as a QR PNG for ticket delivery. The
// payload is the same structured JSON the codec accepts at the gate.
func EncodeQR(token, signature string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	payload, err := json.Marshal(Credential{Token: token, Signature: signature})
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(payload), qrcode.Medium, size)
}
