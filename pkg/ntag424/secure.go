package ntag424

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// WireCommand is the wire-ready form of one authenticated command,
// produced by PrepareCommand. APDU is the complete frame to transmit;
// EncData and MAC are kept separately for logging and tests.
type WireCommand struct {
	Cmd     byte
	APDU    []byte
	EncData []byte
	MAC     []byte
}

// deriveCommandIV computes the IV for the current command: the block
// A5 5A || TI(4) || ctr(2, LE) || 00*8 encrypted once under Kenc. The IV
// is itself a ciphertext, not a plaintext counter. Responses to a command
// use the same IV (same counter value, not yet incremented).
func deriveCommandIV(sess *Session) ([]byte, error) {
	in := make([]byte, 16)
	in[0] = 0xA5
	in[1] = 0x5A
	copy(in[2:6], sess.ti[:])
	in[6] = byte(sess.cmdCtr)
	in[7] = byte(sess.cmdCtr >> 8)
	return encryptBlock(sess.kenc[:], in)
}

// PrepareCommand builds the encrypted, MACed wire bytes for one command
// without mutating the session. The counter used for the IV and the MAC
// input is the session's current value; the caller advances it with
// CommitSuccess only after the transport reports a success status.
//
// data must already be block aligned (the key-change payload always is;
// other commands apply their own padding policy before calling in).
// header travels in cleartext but is covered by the MAC.
//
// MAC input is cmd || ctr(2, LE) || TI(4) || header || encData; the full
// CMAC under Kmac is truncated to its odd-indexed bytes. The assembled
// APDU is 90 cmd 00 00 Lc header encData mac 00.
func PrepareCommand(sess *Session, cmd byte, header, data []byte) (*WireCommand, error) {
	if sess == nil {
		return nil, inputErrf("prepare command", "session is nil")
	}
	if len(data)%16 != 0 {
		return nil, inputErrf("prepare command", "payload length %d not block aligned", len(data))
	}

	var encData []byte
	if len(data) > 0 {
		iv, err := deriveCommandIV(sess)
		if err != nil {
			return nil, err
		}
		encData, err = aesCBCEncrypt(sess.kenc[:], iv, data)
		if err != nil {
			return nil, err
		}
	}

	macInput := make([]byte, 0, 7+len(header)+len(encData))
	macInput = append(macInput, cmd)
	macInput = append(macInput, byte(sess.cmdCtr), byte(sess.cmdCtr>>8))
	macInput = append(macInput, sess.ti[:]...)
	macInput = append(macInput, header...)
	macInput = append(macInput, encData...)

	full, err := cmacFull(sess.kmac[:], macInput)
	if err != nil {
		return nil, err
	}
	mac := truncateMAC(full)

	dataLen := len(header) + len(encData) + len(mac)
	if dataLen > 255 {
		return nil, fmt.Errorf("APDU data too long (%d bytes)", dataLen)
	}

	apdu := make([]byte, 0, 6+dataLen)
	apdu = append(apdu, 0x90, cmd, 0x00, 0x00, byte(dataLen))
	apdu = append(apdu, header...)
	apdu = append(apdu, encData...)
	apdu = append(apdu, mac...)
	apdu = append(apdu, 0x00)

	return &WireCommand{Cmd: cmd, APDU: apdu, EncData: encData, MAC: mac}, nil
}

// CommitSuccess advances the command counter by exactly one. Call it
// once per command, only after the transport reports a success status;
// the tag's own counter advances only on success, and a mismatch
// desynchronizes every later command.
func CommitSuccess(sess *Session) {
	sess.cmdCtr++
}

// UnwrapResponse decrypts an authenticated command response. An 8-byte
// reply is a MAC-only confirmation and yields no plaintext (success is
// signaled by the transport status word; the MAC is not re-verified
// here). A reply that is a positive multiple of 16 bytes is ciphertext
// and is decrypted under the same IV as the request: same counter value,
// not yet incremented. Any other length is a protocol violation.
//
// Padding removal is the caller's concern, matching PrepareCommand.
func UnwrapResponse(sess *Session, resp []byte) ([]byte, error) {
	if sess == nil {
		return nil, inputErrf("unwrap response", "session is nil")
	}
	if len(resp) == 8 {
		return nil, nil
	}
	if len(resp) == 0 || len(resp)%16 != 0 {
		return nil, &ProtocolError{Phase: "response", Len: len(resp)}
	}
	iv, err := deriveCommandIV(sess)
	if err != nil {
		return nil, err
	}
	return aesCBCDecrypt(sess.kenc[:], iv, resp)
}

// Execute runs one authenticated command end to end: prepare, transmit,
// commit on success, unwrap. Plaintext in, plaintext out; data is padded
// here (ISO 9797-1 M2) and response padding is stripped.
//
// The counter is committed only after the tag answers with SW=9100; any
// transport error, status word failure, or malformed response leaves the
// session counter untouched.
func Execute(card Card, sess *Session, cmd byte, header, data []byte) ([]byte, error) {
	if sess == nil {
		return nil, inputErrf("execute", "session is nil")
	}

	var payload []byte
	if len(data) > 0 {
		payload = padISO9797M2(data)
	}
	wire, err := PrepareCommand(sess, cmd, header, payload)
	if err != nil {
		return nil, err
	}
	slog.Debug("secure messaging",
		"cmd", fmt.Sprintf("0x%02X", cmd),
		"ctr", sess.cmdCtr,
		"apdu", strings.ToUpper(hex.EncodeToString(wire.APDU)),
		"mact", strings.ToUpper(hex.EncodeToString(wire.MAC)))

	resp, sw, err := Transmit(card, wire.APDU)
	if err != nil {
		return nil, err
	}
	if sw != SWDESFireOK {
		return nil, &SWError{Cmd: cmd, SW: sw}
	}

	// Status-only reply: nothing to decrypt.
	if len(resp) == 0 {
		CommitSuccess(sess)
		return nil, nil
	}
	if len(resp) != 8 && (len(resp) < 8 || (len(resp)-8)%16 != 0) {
		return nil, &ProtocolError{Phase: "response", Len: len(resp)}
	}

	// Strip the trailing 8-byte response MAC before decrypting; the
	// status word already signaled success.
	body := resp
	if len(resp) > 8 {
		body = resp[:len(resp)-8]
	}

	plain, err := UnwrapResponse(sess, body)
	if err != nil {
		return nil, err
	}

	out := []byte{}
	if len(plain) > 0 {
		out, err = unpadISO9797M2(plain)
		if err != nil {
			return nil, err
		}
	}

	CommitSuccess(sess)
	return out, nil
}
