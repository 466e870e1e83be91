package ntag424

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Reader wraps a PC/SC card connection.
type Reader struct {
	ctx   *scard.Context
	card  *scard.Card
	Name  string
	Index int
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect opens the reader at the given index (0-based) and connects to
// the card present in it.
func Connect(readerIndex int) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	name := readers[readerIndex]
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	return &Reader{ctx: ctx, card: card, Name: name, Index: readerIndex}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (r *Reader) Close() {
	if r == nil {
		return
	}
	if r.card != nil {
		_ = r.card.Disconnect(scard.LeaveCard)
	}
	if r.ctx != nil {
		_ = r.ctx.Release()
	}
}

// Transmit sends an APDU to the card (implements the Card interface).
func (r *Reader) Transmit(apdu []byte) ([]byte, error) {
	if r == nil || r.card == nil {
		return nil, fmt.Errorf("reader not connected")
	}
	return r.card.Transmit(apdu)
}
