package ntag424

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const cmdChangeKey = 0xC4

// KeyChange describes one key slot update: which slot, the new key, the
// old key (required for slots 1-4, ignored for slot 0), and the version
// byte the tag stores alongside the key.
type KeyChange struct {
	Slot    byte
	NewKey  []byte
	OldKey  []byte
	Version byte
}

// BuildKeyChangePayload builds the 32-byte plaintext block for a
// ChangeKey command. The block is already aligned, so it goes through
// the command envelope without further padding.
//
// Slot 0 (master key):
//
//	newKey(16) || version || 80 || 00*14
//
// Slots 1-4, which must prove knowledge of the old key:
//
//	newKey XOR oldKey (16) || version || crc(4, LE) || 80 || 00*10
//
// where crc is the standard CRC32 of the new key with the final
// checksum inverted, encoded little-endian.
func BuildKeyChangePayload(req KeyChange) ([]byte, error) {
	if len(req.NewKey) != 16 {
		return nil, inputErrf("key change", "new key must be 16 bytes, got %d", len(req.NewKey))
	}
	if req.Slot > 4 {
		return nil, inputErrf("key change", "key slot %d out of range (0-4)", req.Slot)
	}

	out := make([]byte, 32)
	if req.Slot == 0 {
		copy(out, req.NewKey)
		out[16] = req.Version
		out[17] = 0x80
		return out, nil
	}

	if len(req.OldKey) != 16 {
		return nil, inputErrf("key change", "old key must be 16 bytes, got %d", len(req.OldKey))
	}
	for i := 0; i < 16; i++ {
		out[i] = req.NewKey[i] ^ req.OldKey[i]
	}
	out[16] = req.Version

	crc := crc32.ChecksumIEEE(req.NewKey) ^ 0xFFFFFFFF
	out[17] = byte(crc)
	out[18] = byte(crc >> 8)
	out[19] = byte(crc >> 16)
	out[20] = byte(crc >> 24)
	out[21] = 0x80
	return out, nil
}

// ChangeKey updates a key slot through an authenticated session.
//
// For slot 0 the tag answers with a status-only response and the
// session dies with the old master key: the caller must discard it and
// authenticate again with the new key. The counter is deliberately not
// committed in that case. For slots 1-4 the session stays valid and the
// counter advances on success.
func ChangeKey(card Card, sess *Session, req KeyChange) error {
	if sess == nil {
		return inputErrf("change key", "session is nil")
	}
	payload, err := BuildKeyChangePayload(req)
	if err != nil {
		return err
	}

	wire, err := PrepareCommand(sess, cmdChangeKey, []byte{req.Slot}, payload)
	if err != nil {
		return err
	}
	_, sw, err := Transmit(card, wire.APDU)
	if err != nil {
		return err
	}
	if sw != SWDESFireOK {
		return &SWError{Cmd: cmdChangeKey, SW: sw}
	}

	if req.Slot != 0 {
		CommitSuccess(sess)
	}
	return nil
}

// KeyFile is a key loaded from a .hex file.
type KeyFile struct {
	Name string // File name (e.g., "key0.hex")
	Key  []byte // 16-byte AES key
}

// LoadKeyHexFile loads a 16-byte AES key from a .hex file containing a
// single line of 32 hexadecimal characters.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) != 32 {
			return nil, fmt.Errorf("key must be 32 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %v", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// LoadAllHexKeys loads every .hex key file from a directory, skipping
// files that fail to parse.
func LoadAllHexKeys(dir string) ([]KeyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []KeyFile
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".hex" {
			continue
		}
		key, err := LoadKeyHexFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, KeyFile{Name: e.Name(), Key: key})
	}
	return keys, nil
}

// KeyStore maps tag UIDs to per-slot keys, backed by a CSV file with
// rows of the form:
//
//	uid,key_no,key_hex,version
//
// uid is the tag UID in uppercase hex (14 chars), key_no the slot
// number, key_hex the 32-char key, version the stored version byte.
// A uid of "*" supplies fleet-wide default keys.
type KeyStore struct {
	entries map[string]map[byte]StoredKey
}

// StoredKey is one key store row.
type StoredKey struct {
	Key     []byte
	Version byte
}

// LoadKeyStoreCSV reads a key store from a CSV file. A header row is
// skipped if present. Malformed rows are an error: silently dropping a
// key would later brick a tag mid-provisioning.
func LoadKeyStoreCSV(path string) (*KeyStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse key store: %w", err)
	}

	ks := &KeyStore{entries: make(map[string]map[byte]StoredKey)}
	for i, row := range rows {
		if i == 0 && strings.EqualFold(row[0], "uid") {
			continue
		}
		uid := strings.ToUpper(strings.TrimSpace(row[0]))
		keyNo, err := strconv.ParseUint(strings.TrimSpace(row[1]), 10, 8)
		if err != nil || keyNo > 4 {
			return nil, fmt.Errorf("key store row %d: bad key_no %q", i+1, row[1])
		}
		key, err := hex.DecodeString(strings.TrimSpace(row[2]))
		if err != nil || len(key) != 16 {
			return nil, fmt.Errorf("key store row %d: bad key_hex", i+1)
		}
		version, err := strconv.ParseUint(strings.TrimSpace(row[3]), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("key store row %d: bad version %q", i+1, row[3])
		}

		if ks.entries[uid] == nil {
			ks.entries[uid] = make(map[byte]StoredKey)
		}
		ks.entries[uid][byte(keyNo)] = StoredKey{Key: key, Version: byte(version)}
	}
	return ks, nil
}

// Lookup returns the key for a tag UID and slot, falling back to the
// "*" default entry when the UID has no row of its own.
func (ks *KeyStore) Lookup(uid string, keyNo byte) (StoredKey, bool) {
	uid = strings.ToUpper(uid)
	if slots, ok := ks.entries[uid]; ok {
		if k, ok := slots[keyNo]; ok {
			return k, true
		}
	}
	if slots, ok := ks.entries["*"]; ok {
		if k, ok := slots[keyNo]; ok {
			return k, true
		}
	}
	return StoredKey{}, false
}
