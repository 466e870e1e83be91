package ntag424

// Session is the live state of one authenticated channel with one tag:
// the derived encryption and MAC keys, the transaction identifier the
// tag issued during the handshake, and the command counter.
//
// A Session is produced only by a successful Authenticate call and must
// not be shared between goroutines: the counter and IV derivation are
// sequentially dependent, so there is no valid notion of concurrent
// commands within one session. After the master key (slot 0) is changed
// through a session, that session is dead; discard it and authenticate
// again with the new key.
type Session struct {
	kenc   [16]byte
	kmac   [16]byte
	ti     [4]byte
	cmdCtr uint16
}

// CmdCounter reports the current command counter, mainly for logging
// and tests. The counter advances only via CommitSuccess.
func (s *Session) CmdCounter() uint16 {
	return s.cmdCtr
}

// TransactionID returns a copy of the 4-byte transaction identifier.
func (s *Session) TransactionID() []byte {
	ti := make([]byte, 4)
	copy(ti, s.ti[:])
	return ti
}

// deriveSessionKeys computes Kenc and Kmac from the static key and the
// handshake nonces. This profile folds only the first two bytes of RndA
// into the session vectors:
//
//	SV1 = A5 5A 00 01 00 80 || RndA[0:2] || 00*8
//	SV2 = 5A A5 00 01 00 80 || RndA[0:2] || 00*8
//	Kenc = CMAC(key, SV1), Kmac = CMAC(key, SV2)
//
// Both keys are the full 16-byte CMAC output; truncation applies only to
// per-command authentication tags, never to key derivation. The nonces
// passed in are the unrotated values from the handshake.
func deriveSessionKeys(key, rndA, rndB []byte) (kenc, kmac []byte, err error) {
	if len(key) != 16 {
		return nil, nil, inputErrf("derive session keys", "key must be 16 bytes, got %d", len(key))
	}
	if len(rndA) != 16 || len(rndB) != 16 {
		return nil, nil, inputErrf("derive session keys", "nonces must be 16 bytes, got %d/%d", len(rndA), len(rndB))
	}

	sv1 := make([]byte, 16)
	sv2 := make([]byte, 16)
	copy(sv1, []byte{0xA5, 0x5A, 0x00, 0x01, 0x00, 0x80})
	copy(sv2, []byte{0x5A, 0xA5, 0x00, 0x01, 0x00, 0x80})
	copy(sv1[6:8], rndA[:2])
	copy(sv2[6:8], rndA[:2])

	kenc, err = cmacFull(key, sv1)
	if err != nil {
		return nil, nil, err
	}
	kmac, err = cmacFull(key, sv2)
	if err != nil {
		return nil, nil, err
	}
	return kenc, kmac, nil
}

// newSession assembles a Session from derived keys and the tag-issued
// transaction identifier. The counter always starts at zero.
func newSession(kenc, kmac, ti []byte) *Session {
	s := &Session{}
	copy(s.kenc[:], kenc)
	copy(s.kmac[:], kmac)
	copy(s.ti[:], ti)
	s.cmdCtr = 0
	return s
}
