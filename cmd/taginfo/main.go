// Command taginfo dumps version, file settings, and NDEF contents of an
// NTAG 424 DNA tag. Read-only; it never authenticates with anything but
// an optionally supplied probe key.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nfcforge/ntag424/pkg/ntag424"
)

func main() {
	readerIdx := flag.Int("reader", 0, "PC/SC reader index")
	probeKeyFile := flag.String("probe-key", "", "optional .hex key to probe auth slots with")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*readerIdx, *probeKeyFile); err != nil {
		slog.Error("taginfo failed", "error", err)
		os.Exit(1)
	}
}

func run(readerIdx int, probeKeyFile string) error {
	reader, err := ntag424.Connect(readerIdx)
	if err != nil {
		return err
	}
	defer reader.Close()
	fmt.Printf("Reader:  %s\n", reader.Name)

	if uid, err := ntag424.GetUID(reader); err == nil {
		fmt.Printf("UID:     %s\n", strings.ToUpper(hex.EncodeToString(uid)))
	}

	if v, err := ntag424.GetVersion(reader); err == nil {
		fmt.Printf("Version: HW %d.%d  SW %d.%d  storage 0x%02X\n",
			v.HWMajorVer, v.HWMinorVer, v.SWMajorVer, v.SWMinorVer, v.HWStorageSize)
		fmt.Printf("Batch:   %s  week %d/20%02X\n",
			strings.ToUpper(hex.EncodeToString(v.BatchNo)), v.ProdWeek, v.ProdYear)
	} else {
		slog.Warn("GetVersion failed", "error", err)
	}

	if err := ntag424.SelectNDEFApp(reader); err != nil {
		return err
	}

	for fileNo := byte(1); fileNo <= 3; fileNo++ {
		fs, err := ntag424.GetFileSettingsPlain(reader, fileNo)
		if err != nil {
			slog.Warn("GetFileSettings failed", "file", fileNo, "error", err)
			continue
		}
		printFileSettings(fileNo, fs)
	}

	ndef, err := ntag424.ReadNDEF(reader)
	if err != nil {
		slog.Warn("NDEF read failed", "error", err)
	} else if len(ndef) == 0 {
		fmt.Println("NDEF:    (empty)")
	} else {
		fmt.Printf("NDEF:    %d bytes\n", len(ndef))
		if url := decodeURIRecord(ndef); url != "" {
			fmt.Printf("URL:     %s\n", url)
		}
	}

	if probeKeyFile != "" {
		key, err := ntag424.LoadKeyHexFile(probeKeyFile)
		if err != nil {
			return err
		}
		for _, r := range ntag424.ProbeKeySlots(reader, key, []byte{0, 1, 2, 3, 4}) {
			status := "FAIL"
			if r.Success {
				status = "ok"
			}
			fmt.Printf("Slot %d:  %s", r.Slot, status)
			if !r.Success && r.SW != 0 {
				fmt.Printf("  (SW=%04X at %s)", r.SW, r.Step)
			}
			fmt.Println()
		}
	}
	return nil
}

func printFileSettings(fileNo byte, fs *ntag424.FileSettings) {
	fmt.Printf("File %d:  %d bytes, comm mode %d\n", fileNo, fs.Size, fs.FileOption&0x03)
	fmt.Printf("  read:   %s\n", ntag424.AccessLabel(fs.AR2>>4))
	fmt.Printf("  write:  %s\n", ntag424.AccessLabel(fs.AR2&0x0F))
	fmt.Printf("  r/w:    %s\n", ntag424.AccessLabel(fs.AR1>>4))
	fmt.Printf("  change: %s\n", ntag424.AccessLabel(fs.AR1&0x0F))
	if fs.SDMEnabled() {
		fmt.Printf("  SDM:    enabled (opts 0x%02X, MAC by %s)\n", fs.SDMOptions, ntag424.AccessLabel(fs.SDMFile))
	} else {
		fmt.Println("  SDM:    disabled")
	}
}

// decodeURIRecord extracts the URL from a single short URI record, the
// only record type provision writes.
func decodeURIRecord(ndef []byte) string {
	if len(ndef) < 5 || ndef[0] != 0xD1 || ndef[3] != 0x55 {
		return ""
	}
	prefixes := map[byte]string{
		0x00: "", 0x01: "http://www.", 0x02: "https://www.",
		0x03: "http://", 0x04: "https://",
	}
	prefix, ok := prefixes[ndef[4]]
	if !ok {
		return ""
	}
	return prefix + string(ndef[5:])
}
