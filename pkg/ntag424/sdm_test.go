package ntag424

import (
	"strings"
	"testing"
)

func TestGenerateAndVerifySDMURLRoundTrip(t *testing.T) {
	key := mustHex(t, "5004BF991F408672B1EF00F08F9E8647")
	uid := mustHex(t, "04AABBCCDDEE80")

	url, err := GenerateSDMURL("https://example.com/tap", uid, 1337, key)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	match, counter, _, err := VerifySDMMAC(url, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !match {
		t.Fatalf("generated URL failed verification: %s", url)
	}
	if counter != 1337 {
		t.Fatalf("counter = %d, want 1337", counter)
	}
}

func TestVerifySDMMACDetectsTampering(t *testing.T) {
	key := mustHex(t, "5004BF991F408672B1EF00F08F9E8647")
	uid := mustHex(t, "04AABBCCDDEE80")

	url, err := GenerateSDMURL("https://example.com/tap", uid, 7, key)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Bump the counter without recomputing the MAC.
	tampered := strings.Replace(url, "ctr=000007", "ctr=000008", 1)
	if tampered == url {
		t.Fatalf("fixture assumption broken: %s", url)
	}
	match, _, _, err := VerifySDMMAC(tampered, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if match {
		t.Fatal("tampered URL verified")
	}

	// Wrong key must fail too.
	match, _, _, err = VerifySDMMAC(url, make([]byte, 16))
	if err != nil {
		t.Fatalf("verify with wrong key: %v", err)
	}
	if match {
		t.Fatal("URL verified under the wrong key")
	}
}

func TestBuildSDMNDEFPlaceholdersAndOffsets(t *testing.T) {
	n, err := BuildSDMNDEF("https://example.com/tap")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.Contains(n.URL, "uid=00000000000000") ||
		!strings.Contains(n.URL, "ctr=000000") ||
		!strings.Contains(n.URL, "mac=0000000000000000") {
		t.Fatalf("placeholders missing from URL: %s", n.URL)
	}
	if idx := strings.Index(n.URL, "uid="); idx < 0 || strings.Index(n.URL, "ctr=") < idx {
		t.Fatalf("parameter order wrong: %s", n.URL)
	}

	// https:// compresses to prefix code 0x04.
	if n.NDEF[6] != 0x04 {
		t.Fatalf("URI prefix code = %02X, want 04", n.NDEF[6])
	}
	if n.NDEF[5] != 0x55 {
		t.Fatalf("record type = %02X, want 55 ('U')", n.NDEF[5])
	}

	// Each offset must point at its zero-filled placeholder.
	for _, c := range []struct {
		name   string
		offset uint32
		length int
	}{
		{"uid", n.UIDOffset, sdmUIDLenASCII},
		{"ctr", n.CtrOffset, sdmCtrLenASCII},
		{"mac", n.MacOffset, sdmMacLenASCII},
	} {
		region := n.NDEF[c.offset : int(c.offset)+c.length]
		if string(region) != strings.Repeat("0", c.length) {
			t.Fatalf("%s offset %d does not point at placeholder: %q", c.name, c.offset, region)
		}
	}
	if string(n.NDEF[n.MacInputOffset:n.MacInputOffset+4]) != "uid=" {
		t.Fatalf("MAC input offset does not point at uid=")
	}
}

func TestBuildSDMNDEFRejectsRelativeURL(t *testing.T) {
	if _, err := BuildSDMNDEF("/tap"); err == nil {
		t.Fatal("relative URL accepted")
	}
}
