package ntag424

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

const (
	ndefFileID = 0xE104
	ccFileID   = 0xE103
	ndefAppAID = "D2760000850101"
)

// SelectNDEFApp selects the NFC Forum NDEF application (AID D2760000850101).
//
// This invalidates any active authentication session. Select before
// authenticating, or re-authenticate after selecting.
func SelectNDEFApp(card Card) error {
	aid, _ := hex.DecodeString(ndefAppAID)
	apdu := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}, aid...)
	apdu = append(apdu, 0x00)
	_, sw, err := Transmit(card, apdu)
	if err != nil {
		return err
	}
	if !SwOK(sw) {
		return &SWError{Cmd: 0xA4, SW: sw}
	}
	return nil
}

// SelectFile selects a file by its 16-bit ID using ISO 7816 SELECT FILE.
// Common IDs: 0xE103 (capability container), 0xE104 (NDEF), 0xE105
// (proprietary data).
//
// Like SelectNDEFApp, this invalidates any active session.
func SelectFile(card Card, fileID uint16) error {
	apdu := []byte{0x00, 0xA4, 0x00, 0x0C, 0x02, byte(fileID >> 8), byte(fileID)}
	_, sw, err := Transmit(card, apdu)
	if err != nil {
		return err
	}
	if !SwOK(sw) {
		return &SWError{Cmd: 0xA4, SW: sw}
	}
	return nil
}

// ReadBinary reads from the currently selected file using ISO 7816 READ
// BINARY (INS 0xB0), retrying once with the corrected Le when the tag
// answers SW=6Cxx.
//
// READ BINARY cannot carry DESFire secure messaging; files whose read
// access needs authentication go through ReadFileData with a session.
func ReadBinary(card Card, offset uint16, le byte) ([]byte, error) {
	apdu := []byte{0x00, 0xB0, byte(offset >> 8), byte(offset), le}
	data, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, err
	}
	if (sw & 0xFF00) == SWWrongLe {
		correctLe := byte(sw & 0x00FF)
		slog.Warn("wrong Le, retrying", "original_le", apdu[4], "correct_le", correctLe)
		apdu[4] = correctLe
		data, sw, err = Transmit(card, apdu)
		if err != nil {
			return nil, err
		}
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: 0xB0, SW: sw}
	}
	return data, nil
}

// ReadCCFile reads the capability container (file 1, ID 0xE103).
func ReadCCFile(card Card) ([]byte, error) {
	if err := SelectNDEFApp(card); err != nil {
		return nil, err
	}
	if err := SelectFile(card, ccFileID); err != nil {
		return nil, err
	}
	return ReadBinary(card, 0x0000, 0x20)
}

// ReadNDEF reads the complete NDEF message from the NDEF file: select
// the application, look up the NDEF file ID in the capability container,
// read the 2-byte NLEN header, then the message in 255-byte chunks.
func ReadNDEF(card Card) ([]byte, error) {
	if err := SelectNDEFApp(card); err != nil {
		return nil, err
	}
	if err := SelectFile(card, ccFileID); err != nil {
		return nil, err
	}
	cc, err := ReadBinary(card, 0x0000, 0x0F)
	if err != nil {
		return nil, err
	}
	if len(cc) < 15 {
		return nil, fmt.Errorf("CC file too short")
	}

	fileID := uint16(ndefFileID)
	if cc[7] == 0x04 && cc[8] >= 6 {
		fileID = uint16(cc[9])<<8 | uint16(cc[10])
	}
	if err := SelectFile(card, fileID); err != nil {
		return nil, err
	}

	nlenBytes, err := ReadBinary(card, 0x0000, 0x02)
	if err != nil {
		return nil, err
	}
	if len(nlenBytes) < 2 {
		return nil, fmt.Errorf("NLEN read too short")
	}
	nlen := int(nlenBytes[0])<<8 | int(nlenBytes[1])
	if nlen == 0 {
		return []byte{}, nil
	}

	ndef := make([]byte, 0, nlen)
	offset := 2
	remaining := nlen
	for remaining > 0 {
		chunk := remaining
		if chunk > 0xFF {
			chunk = 0xFF
		}
		part, err := ReadBinary(card, uint16(offset), byte(chunk))
		if err != nil {
			return nil, err
		}
		if len(part) == 0 {
			break
		}
		ndef = append(ndef, part...)
		offset += len(part)
		remaining -= len(part)
	}
	return ndef, nil
}

// WriteNDEF writes NDEF data after selecting the application and file.
// Not usable while a session is active (the selects kill it); use
// WriteNDEFData after selecting and authenticating in the right order.
func WriteNDEF(card Card, data []byte) error {
	if err := SelectNDEFApp(card); err != nil {
		return err
	}
	if err := SelectFile(card, ndefFileID); err != nil {
		return err
	}
	return WriteNDEFData(card, data)
}

// WriteNDEFData writes NDEF data in 255-byte chunks via ISO UPDATE
// BINARY (INS 0xD6). The caller ensures application and file are
// already selected.
func WriteNDEFData(card Card, data []byte) error {
	offset := 0
	for offset < len(data) {
		chunk := len(data) - offset
		if chunk > 0xFF {
			chunk = 0xFF
		}

		apdu := make([]byte, 0, 5+chunk)
		apdu = append(apdu, 0x00, 0xD6, byte(offset>>8), byte(offset), byte(chunk))
		apdu = append(apdu, data[offset:offset+chunk]...)

		_, sw, err := Transmit(card, apdu)
		if err != nil {
			return err
		}
		if !SwOK(sw) {
			return &SWError{Cmd: 0xD6, SW: sw}
		}
		offset += chunk
	}
	return nil
}

// ReadFileDataPlain reads file data with DESFire native ReadData
// (INS 0xBD), no authentication.
func ReadFileDataPlain(card Card, fileNo byte, offset, length int) ([]byte, error) {
	apdu := []byte{0x90, 0xBD, 0x00, 0x00, 0x07,
		fileNo,
		byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(length), byte(length >> 8), byte(length >> 16),
		0x00}
	data, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: 0xBD, SW: sw}
	}
	return data, nil
}

// ReadFileData reads file data with DESFire ReadData (INS 0xBD) through
// the authenticated envelope. A boundary error (SW=911C) means the
// requested range runs past the file end and is reported as empty.
func ReadFileData(card Card, sess *Session, fileNo byte, offset, length int) ([]byte, error) {
	cmdData := []byte{
		fileNo,
		byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(length), byte(length >> 8), byte(length >> 16),
	}
	data, err := Execute(card, sess, 0xBD, nil, cmdData)
	if err != nil {
		if IsBoundaryError(err) {
			return []byte{}, nil
		}
		return nil, err
	}
	return data, nil
}

// WriteFileDataPlain writes file data with DESFire native WriteData
// (INS 0x3D), no authentication, in 255-byte chunks.
func WriteFileDataPlain(card Card, fileNo byte, offset int, data []byte) error {
	written := 0
	for written < len(data) {
		chunk := len(data) - written
		if chunk > 0xFF {
			chunk = 0xFF
		}

		apdu := make([]byte, 0, 12+chunk)
		apdu = append(apdu, 0x90, 0x3D, 0x00, 0x00, byte(7+chunk))
		apdu = append(apdu, fileNo)
		apdu = append(apdu, byte(offset), byte(offset>>8), byte(offset>>16))
		apdu = append(apdu, byte(chunk), byte(chunk>>8), byte(chunk>>16))
		apdu = append(apdu, data[written:written+chunk]...)
		apdu = append(apdu, 0x00)

		_, sw, err := Transmit(card, apdu)
		if err != nil {
			return err
		}
		if !SwOK(sw) {
			return &SWError{Cmd: 0x3D, SW: sw}
		}
		written += chunk
		offset += chunk
	}
	return nil
}

// WriteFileData writes file data with DESFire WriteData (INS 0x3D)
// through the authenticated envelope. Each chunk is its own command for
// counter purposes: Execute commits the counter per chunk, keeping the
// session in step with the tag across a multi-part write.
func WriteFileData(card Card, sess *Session, fileNo byte, offset int, data []byte) error {
	written := 0
	for written < len(data) {
		chunk := len(data) - written
		// Small chunks keep the enveloped APDU well under the 255-byte limit.
		if chunk > 16 {
			chunk = 16
		}

		cmdData := make([]byte, 0, 7+chunk)
		cmdData = append(cmdData, fileNo)
		cmdData = append(cmdData, byte(offset), byte(offset>>8), byte(offset>>16))
		cmdData = append(cmdData, byte(chunk), byte(chunk>>8), byte(chunk>>16))
		cmdData = append(cmdData, data[written:written+chunk]...)

		if _, err := Execute(card, sess, 0x3D, nil, cmdData); err != nil {
			return err
		}
		written += chunk
		offset += chunk
	}
	return nil
}
