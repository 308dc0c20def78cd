package mihome

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
)

// Crypto constants for gateway write authorisation.
const (
	// KeySize is the required gateway key length in bytes (AES-128).
	KeySize = 16

	// DefaultIVHex is the fixed initialisation vector used by the gateway
	// firmware for write-key derivation.
	DefaultIVHex = "17996D093D28DDB3BA695A2E6F58562E"
)

// defaultIV is decoded once at package init and never written afterwards.
var defaultIV = mustHexDecode(DefaultIVHex)

// DefaultIV returns a copy of the process-wide initialisation vector.
func DefaultIV() []byte {
	iv := make([]byte, len(defaultIV))
	copy(iv, defaultIV)
	return iv
}

// Encrypt encrypts plaintext with AES-CBC and no padding, returning the
// ciphertext as uppercase hex (two characters per byte, no separators).
//
// The key is used as its UTF-8 bytes and must be exactly 16 bytes long.
// The plaintext length must be a multiple of the AES block size; padding is
// the caller's concern. A nil iv selects DefaultIV.
func Encrypt(plaintext, key string, iv []byte) (string, error) {
	keyBytes := []byte(key)
	if len(keyBytes) != KeySize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(keyBytes), KeySize)
	}
	if iv == nil {
		iv = defaultIV
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIV, len(iv), aes.BlockSize)
	}

	data := []byte(plaintext)
	if len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidInputLength, len(data))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)

	return BytesToHex(out), nil
}

// EncryptDefault encrypts plaintext with the default initialisation vector.
func EncryptDefault(plaintext, key string) (string, error) {
	return Encrypt(plaintext, key, nil)
}

// BytesToHex renders b as uppercase hex.
func BytesToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// HexDecode parses a hex string. Upper- and lower-case digits are accepted.
func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedHex, err)
	}
	return b, nil
}

func mustHexDecode(s string) []byte {
	b, err := HexDecode(s)
	if err != nil {
		panic(err)
	}
	return b
}
