package ntag424

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// SDMNDEF is an NDEF message carrying SDM placeholders, plus the byte
// offsets the tag needs for mirroring.
type SDMNDEF struct {
	URL            string // Full URL with uid/ctr/mac placeholders
	NDEF           []byte // Complete NDEF message bytes
	UIDOffset      uint32 // Byte offset where the UID mirror starts
	CtrOffset      uint32 // Byte offset where the counter mirror starts
	MacInputOffset uint32 // Byte offset where the MAC input starts ("uid=")
	MacOffset      uint32 // Byte offset where the MAC mirror starts
}

// BuildSDMNDEF constructs an NDEF URI record from a base URL with
// zero-filled uid, ctr, and mac placeholders, and computes the mirror
// offsets for ChangeFileSettings.
func BuildSDMNDEF(baseURL string) (*SDMNDEF, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("URL must be absolute (include scheme and host)")
	}
	parsed.Fragment = ""

	// Query built by hand: the tag requires uid, ctr, mac in that
	// order, and url.Values.Encode() sorts alphabetically.
	query := parsed.Query()
	var params []string
	params = append(params, fmt.Sprintf("uid=%s", strings.Repeat("0", sdmUIDLenASCII)))
	params = append(params, fmt.Sprintf("ctr=%s", strings.Repeat("0", sdmCtrLenASCII)))
	params = append(params, fmt.Sprintf("mac=%s", strings.Repeat("0", sdmMacLenASCII)))
	for key, values := range query {
		if key == "uid" || key == "ctr" || key == "mac" {
			continue
		}
		for _, value := range values {
			params = append(params, fmt.Sprintf("%s=%s", url.QueryEscape(key), url.QueryEscape(value)))
		}
	}
	parsed.RawQuery = strings.Join(params, "&")
	fullURL := parsed.String()

	// NFC URI Record Type Definition prefix compression.
	prefixCode := byte(0x00)
	uri := fullURL
	for _, p := range []struct {
		prefix string
		code   byte
	}{
		{"https://www.", 0x02},
		{"http://www.", 0x01},
		{"https://", 0x04},
		{"http://", 0x03},
	} {
		if strings.HasPrefix(fullURL, p.prefix) {
			prefixCode = p.code
			uri = fullURL[len(p.prefix):]
			break
		}
	}

	// NLEN(2) then a short URI record: header(3), type 'U', prefix code, URI.
	payloadLen := 1 + len(uri)
	if payloadLen > 255 {
		return nil, fmt.Errorf("URI too long")
	}
	recordLen := 4 + payloadLen
	totalLen := 2 + recordLen
	if totalLen > 256 {
		return nil, fmt.Errorf("NDEF too long")
	}

	ndef := make([]byte, totalLen)
	ndef[0] = byte(recordLen >> 8)
	ndef[1] = byte(recordLen)
	ndef[2] = 0xD1 // MB=1, ME=1, SR=1, TNF=well-known
	ndef[3] = 0x01
	ndef[4] = byte(payloadLen)
	ndef[5] = 0x55 // type 'U' (URI)
	ndef[6] = prefixCode
	copy(ndef[7:], uri)

	uidIdx := bytes.Index(ndef, []byte("uid="))
	ctrIdx := bytes.Index(ndef, []byte("ctr="))
	macIdx := bytes.Index(ndef, []byte("mac="))
	if uidIdx < 0 || ctrIdx < 0 || macIdx < 0 {
		return nil, fmt.Errorf("failed to locate uid/ctr/mac in NDEF")
	}

	uidOffset := uidIdx + 4
	ctrOffset := ctrIdx + 4
	macOffset := macIdx + 4
	if uidOffset+sdmUIDLenASCII > len(ndef) || ctrOffset+sdmCtrLenASCII > len(ndef) || macOffset+sdmMacLenASCII > len(ndef) {
		return nil, fmt.Errorf("offsets out of range")
	}

	return &SDMNDEF{
		URL:            fullURL,
		NDEF:           ndef,
		UIDOffset:      uint32(uidOffset),
		CtrOffset:      uint32(ctrOffset),
		MacInputOffset: uint32(uidIdx),
		MacOffset:      uint32(macOffset),
	}, nil
}
