// Package signature signs and verifies the quote authorization messages
// exchanged with clients and storage backends.
//
// A message binds a subject (a quote id, or a user address for history
// queries) to a nonce:
//
//	message = "0x" + hex(sha256(subject + decimal(nonce)))
//
// and is signed as an Ethereum personal message (EIP-191) with a secp256k1
// key. Signatures travel as 0x-prefixed hex of R || S || V.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gocrypto "github.com/filecoin-project/go-crypto"
	"golang.org/x/crypto/sha3"
)

const (
	privateKeyLen = 32
	publicKeyLen  = 65
	signatureLen  = 65
	addressLen    = 20
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMalformedKey       = errors.New("malformed private key")
)

// Message returns the text a client signs for subject and nonce.
func Message(subject string, nonce int64) string {
	sum := sha256.Sum256([]byte(subject + strconv.FormatInt(nonce, 10)))
	return "0x" + hex.EncodeToString(sum[:])
}

// Hash returns the EIP-191 digest of the message for subject and nonce.
func Hash(subject string, nonce int64) []byte {
	msg := Message(subject, nonce)
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return Keccak256([]byte(prefix), []byte(msg))
}

func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Sign signs the message for subject and nonce with a raw 32 byte key.
func Sign(subject string, nonce int64, key []byte) (string, error) {
	if len(key) != privateKeyLen {
		return "", ErrMalformedKey
	}
	sig, err := gocrypto.Sign(key, Hash(subject, nonce))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	// wallets emit V as 27 or 28
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner returns the checksummed address that produced sig over the
// message for subject and nonce.
func RecoverSigner(subject string, nonce int64, sig string) (string, error) {
	raw, err := decodeHex(sig)
	if err != nil || len(raw) != signatureLen {
		return "", ErrMalformedSignature
	}
	switch v := raw[64]; {
	case v == 27 || v == 28:
		raw[64] = v - 27
	case v > 1:
		return "", ErrMalformedSignature
	}

	pub, err := gocrypto.EcRecover(Hash(subject, nonce), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return addressFromPubKey(pub)
}

// AddressFromKey derives the checksummed address of a raw private key.
func AddressFromKey(key []byte) (string, error) {
	if len(key) != privateKeyLen {
		return "", ErrMalformedKey
	}
	return addressFromPubKey(gocrypto.PublicKey(key))
}

// ParseKey decodes a hex private key, with or without 0x prefix.
func ParseKey(s string) ([]byte, error) {
	key, err := decodeHex(strings.TrimSpace(s))
	if err != nil || len(key) != privateKeyLen {
		return nil, ErrMalformedKey
	}
	return key, nil
}

// GenerateKey returns a fresh random private key.
func GenerateKey() ([]byte, error) {
	return gocrypto.GenerateKey()
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

// ValidAddress reports whether s is a 0x-prefixed 20 byte hex address.
func ValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	b, err := hex.DecodeString(s[2:])
	return err == nil && len(b) == addressLen
}

func addressFromPubKey(pub []byte) (string, error) {
	if len(pub) != publicKeyLen || pub[0] != 0x04 {
		return "", fmt.Errorf("unexpected public key length %d", len(pub))
	}
	return checksum(Keccak256(pub[1:])[12:]), nil
}

// checksum renders addr with mixed case checksum encoding (EIP-55).
func checksum(addr []byte) string {
	lower := hex.EncodeToString(addr)
	sum := Keccak256([]byte(lower))

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
