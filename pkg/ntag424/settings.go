package ntag424

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// FileSettings is the parsed GetFileSettings response.
type FileSettings struct {
	FileType   byte   // 0x00 = standard data file
	FileOption byte   // bit 6 = SDM enabled, bits 1:0 = comm mode
	AR1        byte   // [ReadWrite nibble | ChangeAccessRights nibble]
	AR2        byte   // [Read nibble | Write nibble]
	Size       int    // File size in bytes (3-byte LE)
	SDMOptions byte   // bit 7=UID, bit 6=Ctr, bit 4=ENC, bit 0=TT
	SDMMeta    byte   // Meta access rights (upper nibble of SDMAR)
	SDMFile    byte   // File access rights (bits 11:8 of SDMAR)
	SDMCtr     byte   // Counter access rights (lower nibble of SDMAR)
	RawData    []byte // Raw response for debugging

	// Conditional SDM offset fields
	UIDOffset      uint32 // UID mirror offset (if bit7=1 and Meta=0xE)
	CtrOffset      uint32 // Counter mirror offset (if bit6=1 and Meta=0xE)
	MACInputOffset uint32 // MAC input offset (if File != 0xF)
	MACOffset      uint32 // MAC offset (if File != 0xF)
	ENCOffset      uint32 // ENC offset (if bit4=1)
	ENCLength      uint32 // ENC length (if bit4=1)
	CtrLimit       uint32 // Counter limit (if bit5=1)
}

// SDMEnabled reports whether the file option byte has SDM turned on.
func (fs *FileSettings) SDMEnabled() bool {
	return fs.FileOption&0x40 != 0
}

// ParseFileSettings parses a raw GetFileSettings response, including the
// conditional SDM offset fields whose presence depends on SDMOptions and
// the SDM access rights.
func ParseFileSettings(data []byte) (*FileSettings, error) {
	if len(data) < 7 {
		return nil, errors.New("file settings too short")
	}
	fs := &FileSettings{}
	fs.FileType = data[0]
	fs.FileOption = data[1]
	fs.AR1 = data[2]
	fs.AR2 = data[3]
	fs.Size = int(data[4]) | int(data[5])<<8 | int(data[6])<<16
	fs.RawData = make([]byte, len(data))
	copy(fs.RawData, data)

	idx := 7
	if !fs.SDMEnabled() {
		return fs, nil
	}

	if len(data) < idx+3 {
		return nil, errors.New("file settings missing SDM fields")
	}
	fs.SDMOptions = data[idx]
	sdmAR := uint16(data[idx+1]) | uint16(data[idx+2])<<8
	fs.SDMMeta = byte((sdmAR >> 12) & 0x0F)
	fs.SDMFile = byte((sdmAR >> 8) & 0x0F)
	fs.SDMCtr = byte(sdmAR & 0x0F)
	idx += 3

	// UID and counter mirror offsets are present only with plain meta access.
	if (fs.SDMOptions&0x80) != 0 && fs.SDMMeta == 0x0E {
		if len(data) < idx+3 {
			return nil, errors.New("file settings missing UIDOffset")
		}
		fs.UIDOffset = readU24le(data, idx)
		idx += 3
	}
	if (fs.SDMOptions&0x40) != 0 && fs.SDMMeta == 0x0E {
		if len(data) < idx+3 {
			return nil, errors.New("file settings missing CtrOffset")
		}
		fs.CtrOffset = readU24le(data, idx)
		idx += 3
	}

	// Encrypted PICC data offset replaces the mirrors when meta access
	// is keyed rather than plain or denied.
	if fs.SDMMeta != 0x0E && fs.SDMMeta != 0x0F {
		if len(data) < idx+3 {
			return nil, errors.New("file settings missing PICCDataOffset")
		}
		fs.UIDOffset = readU24le(data, idx)
		idx += 3
	}

	if fs.SDMFile != 0x0F {
		if len(data) < idx+6 {
			return nil, errors.New("file settings missing MAC offsets")
		}
		fs.MACInputOffset = readU24le(data, idx)
		fs.MACOffset = readU24le(data, idx+3)
		idx += 6
	}

	if (fs.SDMOptions & 0x10) != 0 {
		if len(data) < idx+6 {
			return nil, errors.New("file settings missing ENC offsets")
		}
		fs.ENCOffset = readU24le(data, idx)
		fs.ENCLength = readU24le(data, idx+3)
		idx += 6
	}

	if (fs.SDMOptions & 0x20) != 0 {
		if len(data) < idx+3 {
			return nil, errors.New("file settings missing CtrLimit")
		}
		fs.CtrLimit = readU24le(data, idx)
	}

	return fs, nil
}

func readU24le(data []byte, offset int) uint32 {
	return uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16
}

func u24le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// GetFileSettings retrieves file settings, trying plain APDU formats
// first and falling back to the authenticated envelope. The tag is picky
// about Le here: specific values cause SW=917E on some firmware, so a
// few variants are tried before giving up on plain mode.
func GetFileSettings(card Card, sess *Session, fileNo byte) (*FileSettings, error) {
	plainFormats := [][]byte{
		{0x90, 0xF5, 0x00, 0x00, 0x01, fileNo, 0x20},
		{0x90, 0xF5, 0x00, 0x00, 0x01, fileNo, 0x10},
		{0x90, 0xF5, 0x00, 0x00, 0x01, fileNo},
		{0x90, 0xF5, 0x00, 0x00, 0x01, fileNo, 0x00},
	}

	var plainSW uint16
	for i, apdu := range plainFormats {
		resp, sw, err := Transmit(card, apdu)
		plainSW = sw
		slog.Debug("GetFileSettings plain attempt",
			"file_no", fmt.Sprintf("%02X", fileNo),
			"attempt", i+1,
			"sw", fmt.Sprintf("%04X", sw),
			"resp_len", len(resp))
		if err == nil && SwOK(sw) {
			return ParseFileSettings(resp)
		}
	}

	slog.Warn("GetFileSettings fallback to secure", "last_sw", fmt.Sprintf("%04X", plainSW))

	// The tag may need a moment after ChangeFileSettings; retry length
	// errors a couple of times.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		out, err := Execute(card, sess, 0xF5, []byte{fileNo}, nil)
		if err == nil {
			return ParseFileSettings(out)
		}
		lastErr = err
		if !IsLengthError(lastErr) {
			break
		}
	}
	return nil, fmt.Errorf("plain SW=%04X; secure err: %v", plainSW, lastErr)
}

// GetFileSettingsPlain retrieves file settings with a plain APDU only.
func GetFileSettingsPlain(card Card, fileNo byte) (*FileSettings, error) {
	apdu := []byte{0x90, 0xF5, 0x00, 0x00, 0x01, fileNo, 0x00}
	resp, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: 0xF5, SW: sw}
	}
	return ParseFileSettings(resp)
}

// GetFileSettingsSecure retrieves file settings through the envelope.
func GetFileSettingsSecure(card Card, sess *Session, fileNo byte) (*FileSettings, error) {
	out, err := Execute(card, sess, 0xF5, []byte{fileNo}, nil)
	if err != nil {
		return nil, err
	}
	return ParseFileSettings(out)
}

// ChangeFileSettings modifies a file's comm mode and access rights
// without touching SDM. Always runs through the authenticated envelope.
func ChangeFileSettings(card Card, sess *Session, fileNo byte, fileOption, ar1, ar2 byte) error {
	_, err := Execute(card, sess, 0x5F, []byte{fileNo}, []byte{fileOption, ar1, ar2})
	return err
}

// SDMSettings collects the inputs for an SDM-enabled ChangeFileSettings.
type SDMSettings struct {
	CommMode byte
	AR1, AR2 byte
	Options  byte // SDMOptions: bit7 UID, bit6 Ctr, bit0 TT
	Meta     byte // SDM meta read access nibble
	File     byte // SDM file read access nibble
	Ctr      byte // SDM counter read access nibble

	UIDOffset      uint32
	CtrOffset      uint32
	MACInputOffset uint32
	MACOffset      uint32
}

// ChangeFileSettingsSDM modifies file settings with SDM configuration.
func ChangeFileSettingsSDM(card Card, sess *Session, fileNo byte, s SDMSettings) error {
	_, err := Execute(card, sess, 0x5F, []byte{fileNo}, buildSDMSettingsData(s))
	return err
}

// buildSDMSettingsData constructs the ChangeFileSettings payload. The
// offsets included must match exactly what the option bits announce, or
// the tag rejects the command with SW=917E.
func buildSDMSettingsData(s SDMSettings) []byte {
	data := make([]byte, 0, 64)
	fileOption := s.CommMode & 0x03
	if s.Options != 0x00 {
		fileOption |= 0x40
	}
	data = append(data, fileOption, s.AR1, s.AR2, s.Options)

	// SDMAR: [Meta(15:12) | File(11:8) | RFU(7:4) | Ctr(3:0)]
	sdmAR := uint16(s.Meta&0x0F)<<12 | uint16(s.File&0x0F)<<8 | 0x0F<<4 | uint16(s.Ctr&0x0F)
	data = append(data, byte(sdmAR), byte(sdmAR>>8))

	if (s.Options&0x80) != 0 && s.Meta == 0x0E {
		data = append(data, u24le(s.UIDOffset)...)
	}
	if (s.Options&0x40) != 0 && s.Meta == 0x0E {
		data = append(data, u24le(s.CtrOffset)...)
	}
	if s.File != 0x0F {
		data = append(data, u24le(s.MACInputOffset)...)
		data = append(data, u24le(s.MACOffset)...)
	}
	return data
}

// AccessLabel returns a human-readable label for an access rights nibble.
func AccessLabel(keyNo byte) string {
	switch keyNo {
	case 0x0E:
		return "free (no key needed)"
	case 0x0F:
		return "denied (never)"
	default:
		return fmt.Sprintf("key slot %d", keyNo)
	}
}
