/*
Package ntag424 provisions and authenticates NXP NTAG 424 DNA tags over
a PC/SC smart-card transport.

The heart of the package is the secure messaging layer:

  - Authenticate runs the two-phase EV2-style mutual authentication
    handshake and yields a Session (session keys, transaction ID,
    command counter).
  - PrepareCommand / CommitSuccess / UnwrapResponse form the
    authenticated command envelope. PrepareCommand is pure; the counter
    advances only through an explicit CommitSuccess after the transport
    reports success, so a failed exchange never desynchronizes the
    session. Execute bundles the three with a Card round-trip.
  - BuildKeyChangePayload and ChangeKey rotate tag keys, with the
    XOR/CRC32 diversification the tag demands for non-master slots.

On top of that sit the command helpers a provisioning flow needs: file
reads and writes (ISO and DESFire native, plain and enveloped), file
settings with full SDM offset handling, NDEF URI construction with SDM
mirror placeholders, SDM URL verification, and GetVersion.

# Handshake

Phase 1 sends the key slot and receives the tag nonce RndB encrypted
under the static key with a zero IV. Phase 2 answers with
E(key, IV=0, RndA || rotl(RndB)) and receives a 32-byte block that
decrypts to TI(4) || RndA'(16) || PDcap(6) || PCDcap(6). RndA' must
equal rotl(RndA); otherwise the tag does not know the key and no
session is created. Session keys are full AES-CMACs of two 16-byte
vectors derived from RndA:

	SV1 = A5 5A 00 01 00 80 || RndA[0:2] || 00*8   -> Kenc
	SV2 = 5A A5 00 01 00 80 || RndA[0:2] || 00*8   -> Kmac

The zero IV is specific to the handshake, where the static key encrypts
raw nonces. Authenticated commands instead derive their IV by
encrypting A5 5A || TI || ctr || 00*8 under Kenc; the two schemes are
different key-usage contexts and are deliberately not unified.

# Command envelope

Payloads are AES-CBC encrypted under Kenc with the counter-derived IV,
then authenticated with CMAC(Kmac) over
cmd || ctr(LE) || TI || header || encData. The 16-byte CMAC is
truncated to its odd-indexed bytes (1,3,...,15) — a fixed permutation,
not a prefix. Responses decrypt under the same IV as their command
(same counter value); an 8-byte response is a MAC-only confirmation
with no payload.

The command counter is the fragile part: the tag advances its copy only
on success, so this side must do exactly the same or every subsequent
MAC fails. That is why the increment lives in CommitSuccess rather than
inside PrepareCommand.

# Sessions and key changes

A Session belongs to one conversation with one physical tag and must
not be used concurrently. Changing the master key (slot 0) through a
session kills that session — the key it was derived from is gone — and
the caller must re-authenticate with the new key. Selecting an
application or file also invalidates the session; select first, then
authenticate.
*/
package ntag424
