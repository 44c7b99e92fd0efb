// Package signing verifies secp256k1 ECDSA signatures over the messages
// grinrelay clients sign to prove address ownership.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/grinrelay/grinrelay/internal/address"
)

// ErrMalformedSignature is returned when the hex-encoded signature is not
// a well-formed 64-byte compact r‖s pair.
var ErrMalformedSignature = errors.New("malformed signature")

const compactSigLen = 64

// BuildPostMessage constructs the byte sequence signed for a PostSlate
// request: utf8(str) ‖ utf8(challenge).
func BuildPostMessage(str, challenge string) []byte {
	return append([]byte(str), []byte(challenge)...)
}

// BuildSubscribeMessage constructs the byte sequence signed for a
// Subscribe request: utf8(challenge) only.
func BuildSubscribeMessage(challenge string) []byte {
	return []byte(challenge)
}

// Verify reports whether sigHex is a valid secp256k1 ECDSA signature by
// addr's key over SHA-256(message). Malformed signature encodings and
// points at infinity are rejected; both low-S and high-S signatures are
// accepted since the relay never produces signatures itself.
func Verify(addr address.Address, message []byte, sigHex string) bool {
	raw, err := hex.DecodeString(sigHex)
	if err != nil || len(raw) != compactSigLen {
		return false
	}

	pub, err := btcec.ParsePubKey(addr.PubKey[:])
	if err != nil {
		return false
	}

	sig, err := parseCompactRS(raw)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pub)
}

// parseCompactRS builds an ecdsa.Signature from a raw 64-byte r‖s pair,
// the compact form used on the wire (as opposed to go-ethereum-style
// recoverable signatures or DER encoding).
func parseCompactRS(raw []byte) (*ecdsa.Signature, error) {
	if len(raw) != compactSigLen {
		return nil, ErrMalformedSignature
	}
	var rBytes, sBytes [32]byte
	copy(rBytes[:], raw[:32])
	copy(sBytes[:], raw[32:])

	var modR btcec.ModNScalar
	if overflow := modR.SetBytes(&rBytes); overflow != 0 {
		return nil, ErrMalformedSignature
	}
	var modS btcec.ModNScalar
	if overflow := modS.SetBytes(&sBytes); overflow != 0 {
		return nil, ErrMalformedSignature
	}
	if modR.IsZero() || modS.IsZero() {
		return nil, ErrMalformedSignature
	}

	return ecdsa.NewSignature(&modR, &modS), nil
}
