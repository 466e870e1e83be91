package ntag424

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const (
	sdmUIDLenASCII = 14
	sdmCtrLenASCII = 6
	sdmMacLenASCII = 16
)

// DeriveSDMSessionKey derives the SDM MAC session key from the SDM file
// read key, the 7-byte UID, and the 3-byte little-endian read counter:
//
//	SV = 3C C3 00 01 00 80 || UID(7) || Ctr_LE(3)
//	key = AES-CMAC(baseKey, SV)
func DeriveSDMSessionKey(baseKey, uid, ctrLE []byte) ([]byte, error) {
	if len(baseKey) != 16 {
		return nil, inputErrf("sdm key", "base key must be 16 bytes, got %d", len(baseKey))
	}
	if len(uid) != 7 {
		return nil, inputErrf("sdm key", "UID must be 7 bytes, got %d", len(uid))
	}
	if len(ctrLE) != 3 {
		return nil, inputErrf("sdm key", "counter must be 3 bytes, got %d", len(ctrLE))
	}

	sv := make([]byte, 0, 16)
	sv = append(sv, 0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80)
	sv = append(sv, uid...)
	sv = append(sv, ctrLE...)
	return cmacFull(baseKey, sv)
}

// ParseSDMURL extracts the uid, ctr, and mac query parameters from an
// SDM URL as hex strings.
func ParseSDMURL(rawURL string) (uid, ctr, mac string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", err
	}
	q := u.Query()
	uid = q.Get("uid")
	ctr = q.Get("ctr")
	mac = q.Get("mac")
	if uid == "" || ctr == "" || mac == "" {
		return uid, ctr, mac, fmt.Errorf("missing uid/ctr/mac parameters")
	}
	return uid, ctr, mac, nil
}

// VerifySDMMAC checks the MAC of a tapped SDM URL against the SDM file
// read key. Returns the match result, the decoded read counter, and the
// MAC this side computed.
func VerifySDMMAC(rawURL string, sdmFileKey []byte) (match bool, counter uint32, computedMAC string, err error) {
	uid, ctr, mac, err := ParseSDMURL(rawURL)
	if err != nil {
		return false, 0, "", err
	}
	if len(uid) != sdmUIDLenASCII || len(ctr) != sdmCtrLenASCII || len(mac) != sdmMacLenASCII {
		return false, 0, "", fmt.Errorf("invalid parameter lengths: uid=%d ctr=%d mac=%d (want %d,%d,%d)",
			len(uid), len(ctr), len(mac), sdmUIDLenASCII, sdmCtrLenASCII, sdmMacLenASCII)
	}

	uidBytes, err := hex.DecodeString(uid)
	if err != nil || len(uidBytes) != 7 {
		return false, 0, "", fmt.Errorf("bad UID parameter")
	}

	// Counter travels big-endian in the URL, little-endian in the
	// key derivation vector.
	ctrBE, err := hex.DecodeString(ctr)
	if err != nil || len(ctrBE) != 3 {
		return false, 0, "", fmt.Errorf("bad CTR parameter")
	}
	ctrLE := []byte{ctrBE[2], ctrBE[1], ctrBE[0]}
	counter = uint32(ctrBE[0])<<16 | uint32(ctrBE[1])<<8 | uint32(ctrBE[2])

	sessionKey, err := DeriveSDMSessionKey(sdmFileKey, uidBytes, ctrLE)
	if err != nil {
		return false, counter, "", err
	}

	macInput := fmt.Sprintf("uid=%s&ctr=%s&mac=", uid, ctr)
	full, err := cmacFull(sessionKey, []byte(macInput))
	if err != nil {
		return false, counter, "", err
	}
	computed := truncateMAC(full)
	computedMAC = strings.ToUpper(hex.EncodeToString(computed))

	expected, err := hex.DecodeString(mac)
	if err != nil || len(expected) != 8 {
		return false, counter, computedMAC, fmt.Errorf("bad MAC parameter")
	}
	return bytes.Equal(computed, expected), counter, computedMAC, nil
}

// GenerateSDMURL computes the URL an NTAG 424 DNA tag would serve on tap
// for the given UID, read counter, and SDM file key. Inverse of
// VerifySDMMAC; useful for backend tests and fixtures.
func GenerateSDMURL(baseURL string, uid []byte, counter uint32, sdmFileKey []byte) (string, error) {
	if len(uid) != 7 {
		return "", inputErrf("sdm url", "UID must be 7 bytes, got %d", len(uid))
	}
	if len(sdmFileKey) != 16 {
		return "", inputErrf("sdm url", "SDM file key must be 16 bytes, got %d", len(sdmFileKey))
	}
	if counter > 0xFFFFFF {
		return "", inputErrf("sdm url", "counter must fit 24 bits, got %d", counter)
	}

	uidHex := strings.ToUpper(hex.EncodeToString(uid))
	ctrBE := []byte{byte(counter >> 16), byte(counter >> 8), byte(counter)}
	ctrHex := strings.ToUpper(hex.EncodeToString(ctrBE))
	ctrLE := []byte{ctrBE[2], ctrBE[1], ctrBE[0]}

	sessionKey, err := DeriveSDMSessionKey(sdmFileKey, uid, ctrLE)
	if err != nil {
		return "", err
	}

	macInput := fmt.Sprintf("uid=%s&ctr=%s&mac=", uidHex, ctrHex)
	full, err := cmacFull(sessionKey, []byte(macInput))
	if err != nil {
		return "", err
	}
	macHex := strings.ToUpper(hex.EncodeToString(truncateMAC(full)))

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %v", err)
	}
	q := parsed.Query()
	q.Set("uid", uidHex)
	q.Set("ctr", ctrHex)
	q.Set("mac", macHex)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
