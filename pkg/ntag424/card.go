package ntag424

import "fmt"

// Card abstracts the APDU round-trip so the protocol core works against
// real PC/SC readers and scripted test doubles alike.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit sends an APDU and splits the status word off the response.
// The returned data does not include the trailing SW bytes. Transport
// errors are passed through unchanged.
func Transmit(card Card, apdu []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// GetUID retrieves the card UID via ISO 7816 GET DATA (FF CA 00 00),
// trying the wildcard Le first, then the 4-byte form.
func GetUID(card Card) ([]byte, error) {
	for _, le := range []byte{0x00, 0x04} {
		apdu := []byte{0xFF, 0xCA, 0x00, 0x00, le}
		data, sw, err := Transmit(card, apdu)
		if err == nil && SwOK(sw) && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("UID not available via GET DATA")
}
