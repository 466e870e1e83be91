package ntag424

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/aead/cmac"
)

// aesCBCEncrypt encrypts data with AES-128 in CBC mode under an explicit IV.
// No padding is applied; the caller guarantees block alignment.
func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, inputErrf("cbc encrypt", "data length %d not a multiple of 16", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, inputErrf("cbc encrypt", "bad key: %v", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// aesCBCDecrypt is the inverse of aesCBCEncrypt.
func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, inputErrf("cbc decrypt", "data length %d not a multiple of 16", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, inputErrf("cbc decrypt", "bad key: %v", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// encryptBlock encrypts a single 16-byte block. Equivalent to CBC with a
// zero IV over one block; used for the per-command IV derivation.
func encryptBlock(key, in []byte) ([]byte, error) {
	if len(in) != aes.BlockSize {
		return nil, inputErrf("block encrypt", "input must be 16 bytes, got %d", len(in))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, inputErrf("block encrypt", "bad key: %v", err)
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, in)
	return out, nil
}

// cmacFull computes the full 16-byte AES-CMAC of msg.
func cmacFull(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, inputErrf("cmac", "bad key: %v", err)
	}
	return cmac.Sum(msg, block, aes.BlockSize)
}

// truncateMAC reduces a full 16-byte CMAC to the 8-byte wire form.
// The protocol keeps the odd-indexed bytes (1,3,5,...,15), in order,
// not a prefix.
func truncateMAC(full []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = full[2*i+1]
	}
	return out
}

// padISO9797M2 appends 0x80 then zeros up to the next block boundary.
func padISO9797M2(data []byte) []byte {
	padLen := aes.BlockSize - (len(data) % aes.BlockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpadISO9797M2 strips trailing zeros and the 0x80 marker.
func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

// rotateLeft1 moves byte 0 to the end; all other bytes shift down one index.
func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// rotateRight1 is the inverse of rotateLeft1.
func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}
