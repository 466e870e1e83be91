package ntag424

import "fmt"

// TagVersion holds the hardware and software version information from
// GetVersion, plus UID, batch number, and production date.
type TagVersion struct {
	HWVendorID    byte
	HWType        byte
	HWSubType     byte
	HWMajorVer    byte
	HWMinorVer    byte
	HWStorageSize byte
	HWProtocol    byte
	SWVendorID    byte
	SWType        byte
	SWSubType     byte
	SWMajorVer    byte
	SWMinorVer    byte
	SWStorageSize byte
	SWProtocol    byte
	UID           []byte // 7-byte UID
	BatchNo       []byte // 5-byte batch number
	FabKey        byte
	ProdYear      byte // BCD
	ProdWeek      byte
}

// GetVersion retrieves tag version information with DESFire GetVersion
// (INS 0x60), a three-frame exchange continued with additional-frame
// (0xAF) requests.
func GetVersion(card Card) (*TagVersion, error) {
	frames := make([][]byte, 0, 3)
	apdu := []byte{0x90, 0x60, 0x00, 0x00, 0x00}
	for i := 0; i < 3; i++ {
		resp, sw, err := Transmit(card, apdu)
		if err != nil {
			return nil, err
		}
		wantSW := uint16(SWMoreData)
		wantLen := 7
		if i == 2 {
			wantSW = SWDESFireOK
			wantLen = 14
		}
		if sw != wantSW || len(resp) != wantLen {
			return nil, fmt.Errorf("GetVersion part %d failed (SW=%04X len=%d)", i+1, sw, len(resp))
		}
		frames = append(frames, resp)
		apdu = []byte{0x90, 0xAF, 0x00, 0x00, 0x00}
	}

	hw, sw, prod := frames[0], frames[1], frames[2]
	return &TagVersion{
		HWVendorID:    hw[0],
		HWType:        hw[1],
		HWSubType:     hw[2],
		HWMajorVer:    hw[3],
		HWMinorVer:    hw[4],
		HWStorageSize: hw[5],
		HWProtocol:    hw[6],
		SWVendorID:    sw[0],
		SWType:        sw[1],
		SWSubType:     sw[2],
		SWMajorVer:    sw[3],
		SWMinorVer:    sw[4],
		SWStorageSize: sw[5],
		SWProtocol:    sw[6],
		UID:           prod[0:7],
		BatchNo:       prod[7:12],
		FabKey:        prod[12],
		ProdYear:      prod[13] >> 4,
		ProdWeek:      prod[13] & 0x0F,
	}, nil
}
