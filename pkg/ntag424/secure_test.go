package ntag424

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"errors"
	"testing"
)

func testSession(t *testing.T, ctr uint16) *Session {
	t.Helper()
	kenc := make([]byte, 16)
	kmac := make([]byte, 16)
	ti := make([]byte, 4)
	rand.Read(kenc)
	rand.Read(kmac)
	rand.Read(ti)
	s := newSession(kenc, kmac, ti)
	s.cmdCtr = ctr
	return s
}

// The command IV is the encryption of A5 5A || TI || ctr(LE) || 00*8
// under Kenc, verified here against a directly-built block.
func TestDeriveCommandIVLayout(t *testing.T) {
	sess := testSession(t, 3)

	iv, err := deriveCommandIV(sess)
	if err != nil {
		t.Fatalf("deriveCommandIV: %v", err)
	}

	in := make([]byte, 16)
	in[0] = 0xA5
	in[1] = 0x5A
	copy(in[2:6], sess.ti[:])
	in[6] = 0x03 // counter 3, little-endian
	in[7] = 0x00
	block, err := aes.NewCipher(sess.kenc[:])
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	want := make([]byte, 16)
	block.Encrypt(want, in)

	if !bytes.Equal(iv, want) {
		t.Fatalf("IV = %X, want %X", iv, want)
	}

	// Deterministic for fixed state, distinct across counters.
	again, _ := deriveCommandIV(sess)
	if !bytes.Equal(iv, again) {
		t.Fatal("IV not deterministic for fixed session state")
	}
	sess.cmdCtr++
	next, _ := deriveCommandIV(sess)
	if bytes.Equal(iv, next) {
		t.Fatal("IV unchanged after counter increment")
	}
}

func TestPrepareCommandIsPure(t *testing.T) {
	sess := testSession(t, 7)
	payload := make([]byte, 32)
	rand.Read(payload)

	first, err := PrepareCommand(sess, 0x5F, []byte{0x02}, payload)
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if sess.CmdCounter() != 7 {
		t.Fatalf("counter mutated by PrepareCommand: %d", sess.CmdCounter())
	}
	second, err := PrepareCommand(sess, 0x5F, []byte{0x02}, payload)
	if err != nil {
		t.Fatalf("PrepareCommand repeat: %v", err)
	}
	if !bytes.Equal(first.APDU, second.APDU) {
		t.Fatal("identical inputs produced different wire bytes")
	}
}

func TestPrepareCommandWireShape(t *testing.T) {
	sess := testSession(t, 0)
	payload := make([]byte, 32)
	header := []byte{0x01}

	wire, err := PrepareCommand(sess, 0xC4, header, payload)
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if len(wire.EncData) != 32 {
		t.Fatalf("encrypted payload length %d, want 32", len(wire.EncData))
	}
	if len(wire.MAC) != 8 {
		t.Fatalf("MAC length %d, want 8", len(wire.MAC))
	}
	wantLen := 5 + len(header) + len(wire.EncData) + len(wire.MAC) + 1
	if len(wire.APDU) != wantLen {
		t.Fatalf("APDU length %d, want %d", len(wire.APDU), wantLen)
	}
	if wire.APDU[0] != 0x90 || wire.APDU[1] != 0xC4 || wire.APDU[4] != byte(len(header)+32+8) {
		t.Fatalf("bad APDU framing: % X", wire.APDU[:5])
	}

	// MAC must be the odd-byte truncation of the full CMAC over
	// cmd || ctr || TI || header || encData.
	macInput := []byte{0xC4, 0x00, 0x00}
	macInput = append(macInput, sess.ti[:]...)
	macInput = append(macInput, header...)
	macInput = append(macInput, wire.EncData...)
	full, err := cmacFull(sess.kmac[:], macInput)
	if err != nil {
		t.Fatalf("cmac: %v", err)
	}
	if !bytes.Equal(wire.MAC, truncateMAC(full)) {
		t.Fatalf("MAC = %X, want %X", wire.MAC, truncateMAC(full))
	}
}

func TestPrepareCommandRejectsUnalignedPayload(t *testing.T) {
	sess := testSession(t, 0)
	_, err := PrepareCommand(sess, 0xBD, nil, make([]byte, 20))
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("want InputError, got %v", err)
	}
}

func TestUnwrapResponseRoundTrip(t *testing.T) {
	sess := testSession(t, 5)
	plain := make([]byte, 48)
	rand.Read(plain)

	// Responses use the same IV derivation as the command they answer.
	iv, err := deriveCommandIV(sess)
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	enc, err := aesCBCEncrypt(sess.kenc[:], iv, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	out, err := UnwrapResponse(sess, enc)
	if err != nil {
		t.Fatalf("UnwrapResponse: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatal("response round trip mismatch")
	}
	if sess.CmdCounter() != 5 {
		t.Fatalf("UnwrapResponse mutated counter to %d", sess.CmdCounter())
	}
}

func TestUnwrapResponseMACOnly(t *testing.T) {
	sess := testSession(t, 0)
	out, err := UnwrapResponse(sess, make([]byte, 8))
	if err != nil {
		t.Fatalf("UnwrapResponse: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("MAC-only confirmation yielded %d plaintext bytes", len(out))
	}
}

func TestUnwrapResponseRejectsBadLengths(t *testing.T) {
	sess := testSession(t, 0)
	for _, n := range []int{0, 1, 7, 9, 15, 17, 24} {
		_, err := UnwrapResponse(sess, make([]byte, n))
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("length %d: want ProtocolError, got %v", n, err)
		}
	}
}

func TestCommitSuccessAdvancesByOne(t *testing.T) {
	sess := testSession(t, 41)
	CommitSuccess(sess)
	if sess.CmdCounter() != 42 {
		t.Fatalf("counter = %d, want 42", sess.CmdCounter())
	}
}

func TestExecuteCounterDiscipline(t *testing.T) {
	t.Run("transport failure leaves counter unchanged", func(t *testing.T) {
		sess := testSession(t, 9)
		card := &scriptedCard{err: errors.New("tag left the field")}
		if _, err := Execute(card, sess, 0xBD, nil, []byte{0x02}); err == nil {
			t.Fatal("Execute succeeded without a tag")
		}
		if sess.CmdCounter() != 9 {
			t.Fatalf("counter = %d after transport failure, want 9", sess.CmdCounter())
		}
	})

	t.Run("error status leaves counter unchanged", func(t *testing.T) {
		sess := testSession(t, 9)
		card := &scriptedCard{responses: [][]byte{{0x91, 0x9D}}}
		_, err := Execute(card, sess, 0xBD, nil, []byte{0x02})
		if !IsPermissionDenied(err) {
			t.Fatalf("want permission denied, got %v", err)
		}
		if sess.CmdCounter() != 9 {
			t.Fatalf("counter = %d after SW failure, want 9", sess.CmdCounter())
		}
	})

	t.Run("success increments exactly once", func(t *testing.T) {
		sess := testSession(t, 9)
		// MAC-only confirmation: 8 MAC bytes plus status.
		card := &scriptedCard{responses: [][]byte{append(make([]byte, 8), 0x91, 0x00)}}
		out, err := Execute(card, sess, 0x5F, []byte{0x02}, []byte{0x40, 0x00, 0xE0})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(out) != 0 {
			t.Fatalf("MAC-only reply yielded %d bytes", len(out))
		}
		if sess.CmdCounter() != 10 {
			t.Fatalf("counter = %d after success, want 10", sess.CmdCounter())
		}
	})

	t.Run("malformed response length leaves counter unchanged", func(t *testing.T) {
		sess := testSession(t, 9)
		card := &scriptedCard{responses: [][]byte{append(make([]byte, 5), 0x91, 0x00)}}
		_, err := Execute(card, sess, 0xBD, nil, []byte{0x02})
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("want ProtocolError, got %v", err)
		}
		if sess.CmdCounter() != 9 {
			t.Fatalf("counter = %d after protocol violation, want 9", sess.CmdCounter())
		}
	})
}

func TestExecuteDecryptsEnvelopedResponse(t *testing.T) {
	sess := testSession(t, 2)
	want := []byte{0x00, 0x40, 0x00, 0xE0, 0x00, 0x01, 0x00}

	// Fabricate the tag's answer with the session's own keys: padded
	// plaintext under the request IV, then 8 MAC bytes and the status.
	iv, err := deriveCommandIV(sess)
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	enc, err := aesCBCEncrypt(sess.kenc[:], iv, padISO9797M2(want))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	resp := append(enc, make([]byte, 8)...)
	resp = append(resp, 0x91, 0x00)
	card := &scriptedCard{responses: [][]byte{resp}}

	out, err := Execute(card, sess, 0xF5, []byte{0x02}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("response plaintext = %X, want %X", out, want)
	}
	if sess.CmdCounter() != 3 {
		t.Fatalf("counter = %d, want 3", sess.CmdCounter())
	}
}
