package ntag424

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// AuthError is a handshake failure at a specific step.
type AuthError struct {
	Step    string // "step1" or "step2"
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Cause   error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("auth %s failed (SW=%04X len=%d)", e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyAuthError extracts details from an AuthError.
func ClassifyAuthError(err error) (step string, sw uint16, respLen int, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.SW, authErr.RespLen, true
	}
	return "", 0, 0, false
}

// Authenticate performs the two-phase EV2-style mutual authentication
// handshake and returns an established Session.
//
// Phase 1 sends the key slot number and receives E(key, IV=0, RndB):
// the tag's fresh nonce under zero-IV CBC with the static key. Phase 2
// answers with E(key, IV=0, RndA || rotl(RndB)) and receives a 32-byte
// block that decrypts to TI(4) || RndA'(16) || PDcap(6) || PCDcap(6).
// The session is established only if RndA' equals rotl(RndA), which is
// the tag's proof that it knows the static key.
//
// The zero IV in both phases is protocol-fixed; it is a different key
// usage context from the counter-derived IV used for authenticated
// commands and must not be unified with it.
//
// Any transport error, wrong-length response, or RndA' mismatch yields
// an *AuthError and no session. There is no retry in place; the caller
// restarts the handshake. Tag-side cooldowns after repeated failures
// are not tracked here.
func Authenticate(card Card, key []byte, keyNo byte) (*Session, error) {
	if len(key) != 16 {
		return nil, &AuthError{Step: "step1", Cause: inputErrf("authenticate", "key must be 16 bytes, got %d", len(key))}
	}

	// Phase 1: request the encrypted tag nonce for this key slot.
	apdu1 := []byte{0x90, 0x71, 0x00, 0x00, 0x02, keyNo, 0x00, 0x00}
	resp1, sw, err := Transmit(card, apdu1)
	if err != nil {
		return nil, &AuthError{Step: "step1", Cause: err}
	}
	if sw != SWMoreData {
		return nil, &AuthError{Step: "step1", SW: sw, RespLen: len(resp1)}
	}
	if len(resp1) != 16 {
		return nil, &AuthError{Step: "step1", SW: sw, RespLen: len(resp1),
			Cause: &ProtocolError{Phase: "auth phase 1", Len: len(resp1)}}
	}

	iv0 := make([]byte, 16)
	rndB, err := aesCBCDecrypt(key, iv0, resp1)
	if err != nil {
		return nil, &AuthError{Step: "step1", Cause: err}
	}

	rndA := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, rndA); err != nil {
		return nil, &AuthError{Step: "step1", Cause: err}
	}

	// Phase 2: prove knowledge of RndB by rotating it, bind our own nonce.
	rndAB := append(append([]byte{}, rndA...), rotateLeft1(rndB)...)
	rndABEnc, err := aesCBCEncrypt(key, iv0, rndAB)
	if err != nil {
		return nil, &AuthError{Step: "step2", Cause: err}
	}

	apdu2 := make([]byte, 0, 5+len(rndABEnc)+1)
	apdu2 = append(apdu2, 0x90, 0xAF, 0x00, 0x00, 0x20)
	apdu2 = append(apdu2, rndABEnc...)
	apdu2 = append(apdu2, 0x00)
	resp2, sw, err := Transmit(card, apdu2)
	if err != nil {
		return nil, &AuthError{Step: "step2", Cause: err}
	}
	if sw != SWDESFireOK {
		return nil, &AuthError{Step: "step2", SW: sw, RespLen: len(resp2)}
	}
	if len(resp2) != 32 {
		return nil, &AuthError{Step: "step2", SW: sw, RespLen: len(resp2),
			Cause: &ProtocolError{Phase: "auth phase 2", Len: len(resp2)}}
	}

	dec, err := aesCBCDecrypt(key, iv0, resp2)
	if err != nil {
		return nil, &AuthError{Step: "step2", Cause: err}
	}

	// TI(4) || RndA'(16) || PDcap(6) || PCDcap(6)
	ti := dec[:4]
	if !bytes.Equal(dec[4:20], rotateLeft1(rndA)) {
		return nil, &AuthError{Step: "step2", Cause: errors.New("rndA verification failed")}
	}

	kenc, kmac, err := deriveSessionKeys(key, rndA, rndB)
	if err != nil {
		return nil, &AuthError{Step: "step2", Cause: err}
	}

	slog.Debug("session established",
		"ti", strings.ToUpper(hex.EncodeToString(ti)),
		"kenc", strings.ToUpper(hex.EncodeToString(kenc)),
		"kmac", strings.ToUpper(hex.EncodeToString(kmac)))

	return newSession(kenc, kmac, ti), nil
}

// AuthenticateWithFallback attempts authentication with multiple key/slot
// combinations, in order:
//
//  1. Provided key with keyNo
//  2. Provided key with altKeyNo (if different)
//  3. Provided key with slot 0 (if neither keyNo nor altKeyNo is 0)
//  4. All-zero key with slot 0 (if the provided key is not all-zero)
//
// Returns (session, effective_key, effective_keyNo, error).
func AuthenticateWithFallback(card Card, key []byte, keyNo byte, altKeyNo byte) (*Session, []byte, byte, error) {
	type attempt struct {
		key   []byte
		keyNo byte
		label string
	}

	attempts := []attempt{{key: key, keyNo: keyNo, label: fmt.Sprintf("keyno %d (provided)", keyNo)}}
	if altKeyNo != keyNo {
		attempts = append(attempts, attempt{key: key, keyNo: altKeyNo, label: fmt.Sprintf("keyno %d (alternate)", altKeyNo)})
	}
	if keyNo != 0 && altKeyNo != 0 {
		attempts = append(attempts, attempt{key: key, keyNo: 0, label: "keyno 0 (same key)"})
	}
	if !isAllZero(key) {
		attempts = append(attempts, attempt{key: make([]byte, 16), keyNo: 0, label: "keyno 0 (all-zero fallback)"})
	}

	var lastErr error
	for i, a := range attempts {
		sess, err := Authenticate(card, a.key, a.keyNo)
		if err == nil {
			slog.Info("authenticated", "method", a.label)
			return sess, a.key, a.keyNo, nil
		}
		if i > 0 {
			slog.Warn("auth attempt failed", "method", a.label, "error", err)
		}
		lastErr = err
	}
	return nil, nil, 0, lastErr
}

// AuthSlotResult holds the outcome of one probe attempt for diagnostics.
type AuthSlotResult struct {
	Slot    byte
	Success bool
	Step    string
	SW      uint16
	RespLen int
	Err     error
}

// ProbeKeySlots tries a key against each of the given slots and reports
// where the handshake failed. Useful when a tag's slot layout is unknown.
// The caller selects the application once before probing.
func ProbeKeySlots(card Card, key []byte, slots []byte) []AuthSlotResult {
	results := make([]AuthSlotResult, 0, len(slots))
	for _, slot := range slots {
		_, err := Authenticate(card, key, slot)
		r := AuthSlotResult{Slot: slot, Success: err == nil, Err: err}
		if step, sw, respLen, ok := ClassifyAuthError(err); ok {
			r.Step = step
			r.SW = sw
			r.RespLen = respLen
		}
		results = append(results, r)
	}
	return results
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
