// Command provision prepares an NTAG 424 DNA tag for deployment:
// it writes the SDM NDEF record, authenticates, configures SDM
// mirroring on the NDEF file, and rotates the tag keys from the
// configured key material.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/nfcforge/ntag424/internal/config"
	"github.com/nfcforge/ntag424/pkg/ntag424"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to provisioning config")
	readerIdx := flag.Int("reader", -1, "PC/SC reader index (overrides config)")
	promptKeys := flag.Bool("prompt-keys", false, "prompt for the new master key instead of reading key files")
	verbose := flag.Bool("v", false, "debug logging")
	jsonLog := flag.Bool("json", false, "JSON log output")
	flag.Parse()

	setupLogging(*verbose, *jsonLog)

	if err := run(*cfgPath, *readerIdx, *promptKeys); err != nil {
		slog.Error("provisioning failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(verbose, jsonLog bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLog {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

func run(cfgPath string, readerIdx int, promptKeys bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if readerIdx < 0 {
		readerIdx = cfg.ReaderIndex()
	}

	reader, err := ntag424.Connect(readerIdx)
	if err != nil {
		return err
	}
	defer reader.Close()
	slog.Info("connected", "reader", reader.Name)

	return provision(reader, cfg, promptKeys)
}

// provision drives the whole sequence against one tag. Order matters:
// SelectNDEFApp, SelectFile, and the plain NDEF write all invalidate
// an active session, so authentication happens after them and every
// session-bound command after that.
func provision(card ntag424.Card, cfg *config.Config, promptKeys bool) error {
	uid, err := ntag424.GetUID(card)
	if err != nil {
		return err
	}
	uidHex := strings.ToUpper(hex.EncodeToString(uid))
	slog.Info("tag present", "uid", uidHex)

	if err := ntag424.SelectNDEFApp(card); err != nil {
		return err
	}

	keys, err := loadKeys(cfg, uidHex, promptKeys)
	if err != nil {
		return err
	}

	dryRun := cfg.Runtime.DryRun != nil && *cfg.Runtime.DryRun
	settingsOnly := cfg.Runtime.SettingsOnly != nil && *cfg.Runtime.SettingsOnly

	// NDEF template first, while write access is still free and no
	// session exists to lose.
	var n *ntag424.SDMNDEF
	if cfg.URL != "" && !settingsOnly {
		if n, err = writeNDEF(card, cfg.URL, dryRun); err != nil {
			return err
		}
	}

	sess, authKey, authKeyNo, err := ntag424.AuthenticateWithFallback(card, keys[0].Key, 0, cfg.SDMKeyNo())
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if n != nil && !dryRun {
		if err := configureSDM(card, sess, cfg, n); err != nil {
			return err
		}
	}

	if dryRun {
		slog.Info("dry run: skipping key rotation")
		return nil
	}
	return rotateKeys(card, sess, authKeyNo, authKey, keys)
}

// slotKey is key material destined for one slot.
type slotKey struct {
	Slot    byte
	Key     []byte
	Version byte
}

// loadKeys assembles the per-slot target keys from the configured
// source. Slot 0 is mandatory; missing higher slots are skipped.
func loadKeys(cfg *config.Config, uidHex string, promptKeys bool) (map[byte]slotKey, error) {
	keys := make(map[byte]slotKey)

	if promptKeys {
		key, err := promptForKey("new master key (32 hex chars): ")
		if err != nil {
			return nil, err
		}
		keys[0] = slotKey{Slot: 0, Key: key, Version: 1}
		return keys, nil
	}

	if cfg.Keys.KeyStoreCSV != "" {
		ks, err := ntag424.LoadKeyStoreCSV(cfg.Keys.KeyStoreCSV)
		if err != nil {
			return nil, err
		}
		for slot := byte(0); slot <= 4; slot++ {
			if k, ok := ks.Lookup(uidHex, slot); ok {
				keys[slot] = slotKey{Slot: slot, Key: k.Key, Version: k.Version}
			}
		}
		if _, ok := keys[0]; !ok {
			return nil, fmt.Errorf("key store has no slot 0 entry for %s", uidHex)
		}
		return keys, nil
	}

	if cfg.Keys.MasterKeyHexFile != "" {
		key, err := ntag424.LoadKeyHexFile(cfg.Keys.MasterKeyHexFile)
		if err != nil {
			return nil, err
		}
		keys[0] = slotKey{Slot: 0, Key: key, Version: 1}
	}
	if cfg.Keys.KeyDir != "" {
		files, err := ntag424.LoadAllHexKeys(cfg.Keys.KeyDir)
		if err != nil {
			return nil, err
		}
		for _, kf := range files {
			// keyN.hex naming selects the slot.
			var slot int
			if _, err := fmt.Sscanf(kf.Name, "key%d.hex", &slot); err != nil || slot < 0 || slot > 4 {
				continue
			}
			keys[byte(slot)] = slotKey{Slot: byte(slot), Key: kf.Key, Version: 1}
		}
	}
	if _, ok := keys[0]; !ok {
		return nil, fmt.Errorf("no master key configured")
	}
	return keys, nil
}

func promptForKey(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(line)))
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("key must be 32 hex chars")
	}
	return key, nil
}

// writeNDEF builds and writes the NDEF template with plain ISO
// commands. Must run before authentication: SelectFile and UPDATE
// BINARY both kill an active session.
func writeNDEF(card ntag424.Card, baseURL string, dryRun bool) (*ntag424.SDMNDEF, error) {
	n, err := ntag424.BuildSDMNDEF(baseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("built NDEF", "url", n.URL, "bytes", len(n.NDEF))
	if dryRun {
		return n, nil
	}

	if err := ntag424.SelectFile(card, 0xE104); err != nil {
		return nil, err
	}
	if err := ntag424.WriteNDEFData(card, n.NDEF); err != nil {
		return nil, err
	}
	return n, nil
}

func configureSDM(card ntag424.Card, sess *ntag424.Session, cfg *config.Config, n *ntag424.SDMNDEF) error {
	// Mirror offsets are relative to the file, which starts with the
	// 2-byte NLEN header already included in the NDEF image.
	return ntag424.ChangeFileSettingsSDM(card, sess, cfg.SDMFileNo(), ntag424.SDMSettings{
		CommMode:       0x00,
		AR1:            0x20,
		AR2:            0xE2,
		Options:        0xC0, // UID + read counter mirror
		Meta:           0x0E,
		File:           cfg.SDMKeyNo(),
		Ctr:            0x0E,
		UIDOffset:      n.UIDOffset,
		CtrOffset:      n.CtrOffset,
		MACInputOffset: n.MacInputOffset,
		MACOffset:      n.MacOffset,
	})
}

// rotateKeys changes slots 1-4 first, then the master key last: a
// master change kills the session, so everything else must already be
// done when it lands.
func rotateKeys(card ntag424.Card, sess *ntag424.Session, authKeyNo byte, authKey []byte, keys map[byte]slotKey) error {
	for slot := byte(1); slot <= 4; slot++ {
		k, ok := keys[slot]
		if !ok {
			continue
		}
		err := ntag424.ChangeKey(card, sess, ntag424.KeyChange{
			Slot:    slot,
			NewKey:  k.Key,
			OldKey:  authKey, // factory tags ship every slot with the same key
			Version: k.Version,
		})
		if err != nil {
			return fmt.Errorf("change key slot %d: %w", slot, err)
		}
		slog.Info("key changed", "slot", slot)
	}

	if k, ok := keys[0]; ok && authKeyNo == 0 {
		err := ntag424.ChangeKey(card, sess, ntag424.KeyChange{
			Slot:    0,
			NewKey:  k.Key,
			Version: k.Version,
		})
		if err != nil {
			return fmt.Errorf("change master key: %w", err)
		}
		slog.Info("master key changed; session invalidated")

		// The old session is dead; prove the new key works.
		if _, err := ntag424.Authenticate(card, k.Key, 0); err != nil {
			return fmt.Errorf("verification auth with new master key failed: %w", err)
		}
		slog.Info("verified new master key")
	}
	return nil
}
