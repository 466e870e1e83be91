package ntag424

import (
	"bytes"
	"crypto/rand"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyChangePayloadMasterSlotShape(t *testing.T) {
	for trial := 0; trial < 8; trial++ {
		newKey := make([]byte, 16)
		rand.Read(newKey)
		version := byte(trial * 37)

		payload, err := BuildKeyChangePayload(KeyChange{Slot: 0, NewKey: newKey, Version: version})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(payload) != 32 {
			t.Fatalf("payload length %d, want 32", len(payload))
		}
		if !bytes.Equal(payload[:16], newKey) {
			t.Fatal("bytes 0-15 are not the new key")
		}
		if payload[16] != version {
			t.Fatalf("version byte = %02X, want %02X", payload[16], version)
		}
		if payload[17] != 0x80 {
			t.Fatalf("pad marker = %02X, want 80", payload[17])
		}
		if !bytes.Equal(payload[18:], make([]byte, 14)) {
			t.Fatal("bytes 18-31 not zero")
		}
	}
}

func TestKeyChangePayloadDiversifiedSlotShape(t *testing.T) {
	for trial := 0; trial < 8; trial++ {
		newKey := make([]byte, 16)
		oldKey := make([]byte, 16)
		rand.Read(newKey)
		rand.Read(oldKey)
		if trial == 0 {
			copy(oldKey, newKey) // same key must give all-zero XOR bytes
		}

		payload, err := BuildKeyChangePayload(KeyChange{Slot: 2, NewKey: newKey, OldKey: oldKey, Version: 0x01})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		for i := 0; i < 16; i++ {
			if payload[i] != newKey[i]^oldKey[i] {
				t.Fatalf("XOR byte %d wrong", i)
			}
		}
		if payload[16] != 0x01 {
			t.Fatalf("version byte = %02X", payload[16])
		}

		crc := crc32.ChecksumIEEE(newKey) ^ 0xFFFFFFFF
		want := []byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)}
		if !bytes.Equal(payload[17:21], want) {
			t.Fatalf("CRC bytes = %X, want %X", payload[17:21], want)
		}
		if payload[21] != 0x80 {
			t.Fatalf("pad marker = %02X, want 80", payload[21])
		}
		if !bytes.Equal(payload[22:], make([]byte, 10)) {
			t.Fatal("bytes 22-31 not zero")
		}
	}
}

func TestKeyChangePayloadRejectsBadInput(t *testing.T) {
	cases := []KeyChange{
		{Slot: 0, NewKey: make([]byte, 15)},
		{Slot: 1, NewKey: make([]byte, 16), OldKey: make([]byte, 8)},
		{Slot: 1, NewKey: make([]byte, 16)}, // old key required
		{Slot: 5, NewKey: make([]byte, 16), OldKey: make([]byte, 16)},
	}
	for i, req := range cases {
		_, err := BuildKeyChangePayload(req)
		var inputErr *InputError
		if !errors.As(err, &inputErr) {
			t.Fatalf("case %d: want InputError, got %v", i, err)
		}
	}
}

func TestChangeKeyCounterSemantics(t *testing.T) {
	newKey := make([]byte, 16)
	oldKey := make([]byte, 16)
	rand.Read(newKey)
	rand.Read(oldKey)

	t.Run("non-master slot commits", func(t *testing.T) {
		sess := testSession(t, 4)
		card := &scriptedCard{responses: [][]byte{append(make([]byte, 8), 0x91, 0x00)}}
		err := ChangeKey(card, sess, KeyChange{Slot: 1, NewKey: newKey, OldKey: oldKey, Version: 1})
		if err != nil {
			t.Fatalf("ChangeKey: %v", err)
		}
		if sess.CmdCounter() != 5 {
			t.Fatalf("counter = %d, want 5", sess.CmdCounter())
		}
	})

	t.Run("master slot does not commit", func(t *testing.T) {
		// The session dies with the old master key, so the counter is
		// deliberately left alone.
		sess := testSession(t, 4)
		card := &scriptedCard{responses: [][]byte{{0x91, 0x00}}}
		err := ChangeKey(card, sess, KeyChange{Slot: 0, NewKey: newKey, Version: 1})
		if err != nil {
			t.Fatalf("ChangeKey: %v", err)
		}
		if sess.CmdCounter() != 4 {
			t.Fatalf("counter = %d, want 4", sess.CmdCounter())
		}
	})

	t.Run("status failure reports SWError", func(t *testing.T) {
		sess := testSession(t, 4)
		card := &scriptedCard{responses: [][]byte{{0x91, 0xAE}}}
		err := ChangeKey(card, sess, KeyChange{Slot: 1, NewKey: newKey, OldKey: oldKey})
		if !IsAuthError(err) {
			t.Fatalf("want auth SWError, got %v", err)
		}
		if sess.CmdCounter() != 4 {
			t.Fatalf("counter = %d after failure, want 4", sess.CmdCounter())
		}
	})
}

func TestLoadKeyHexFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "key0.hex")
	if err := os.WriteFile(path, []byte("00112233445566778899AABBCCDDEEFF\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	key, err := LoadKeyHexFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(key, mustHex(t, "00112233445566778899AABBCCDDEEFF")) {
		t.Fatalf("loaded key = %X", key)
	}

	bad := filepath.Join(tmp, "short.hex")
	os.WriteFile(bad, []byte("0011\n"), 0o644)
	if _, err := LoadKeyHexFile(bad); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestKeyStoreCSV(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "keys.csv")
	csvData := `uid,key_no,key_hex,version
04AABBCCDDEE80,0,00112233445566778899AABBCCDDEEFF,1
04AABBCCDDEE80,2,FFEEDDCCBBAA99887766554433221100,3
*,0,000102030405060708090A0B0C0D0E0F,0
`
	if err := os.WriteFile(path, []byte(csvData), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ks, err := LoadKeyStoreCSV(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	k, ok := ks.Lookup("04aabbccddee80", 2)
	if !ok {
		t.Fatal("slot 2 lookup failed (case-insensitive uid)")
	}
	if k.Version != 3 || !bytes.Equal(k.Key, mustHex(t, "FFEEDDCCBBAA99887766554433221100")) {
		t.Fatalf("slot 2 entry wrong: %X v%d", k.Key, k.Version)
	}

	k, ok = ks.Lookup("0499999999999A", 0)
	if !ok {
		t.Fatal("fleet default lookup failed")
	}
	if !bytes.Equal(k.Key, mustHex(t, "000102030405060708090A0B0C0D0E0F")) {
		t.Fatalf("fleet default key wrong: %X", k.Key)
	}

	if _, ok := ks.Lookup("0499999999999A", 1); ok {
		t.Fatal("missing slot reported as present")
	}
}

func TestKeyStoreCSVRejectsMalformedRows(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "keys.csv")
	if err := os.WriteFile(path, []byte("04AABBCCDDEE80,9,00112233445566778899AABBCCDDEEFF,1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyStoreCSV(path); err == nil {
		t.Fatal("out-of-range key_no accepted")
	}
}
