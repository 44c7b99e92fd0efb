// Package address implements grinbox:// address parsing and encoding:
// base58check-wrapped compressed secp256k1 public keys plus an optional
// relay locator (domain, port).
package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Network selects which version bytes an address must carry.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

// Version bytes, two per network as carried on the wire.
var (
	mainnetVersion = [2]byte{1, 11}
	testnetVersion = [2]byte{1, 120}
)

const (
	DefaultHost = "grinbox.io"
	DefaultPort = 443
	pubKeyLen   = 33
	versionLen  = 2
	scheme      = "grinbox://"
)

// ErrInvalidAddress is returned for any parse, checksum, version, or
// curve-point failure, as a single sentinel; callers needing detail
// should wrap it.
var ErrInvalidAddress = errors.New("invalid address")

// Address is a 33-byte compressed secp256k1 public key plus a relay
// locator. Two addresses are equal iff their public keys are bytewise
// equal (see Equal).
type Address struct {
	PubKey  [pubKeyLen]byte
	Domain  string
	Port    int
	network Network
}

// Network reports which network version bytes this address was parsed
// against (or encoded for, if constructed directly).
func (a Address) Network() Network { return a.network }

// String implements fmt.Stringer for Network.
func (n Network) String() string {
	if n == Testnet {
		return "testnet"
	}
	return "mainnet"
}

// Equal reports whether two addresses carry the same public key.
func (a Address) Equal(b Address) bool {
	return a.PubKey == b.PubKey
}

// Parse decodes a textual grinbox address of the form
// "[grinbox://]<b58c>[@host[:port]]" against the given network.
func Parse(s string, network Network) (Address, error) {
	s = strings.TrimPrefix(s, scheme)

	token := s
	host := DefaultHost
	port := DefaultPort
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		token = s[:idx]
		locator := s[idx+1:]
		if locator == "" {
			return Address{}, fmt.Errorf("%w: empty locator", ErrInvalidAddress)
		}
		h, p, err := splitLocator(locator)
		if err != nil {
			return Address{}, err
		}
		host, port = h, p
	}
	if token == "" {
		return Address{}, fmt.Errorf("%w: empty key", ErrInvalidAddress)
	}

	raw, version, err := base58CheckDecode(token)
	if err != nil {
		return Address{}, err
	}

	want := versionFor(network)
	if version != want {
		return Address{}, fmt.Errorf("%w: unexpected network version", ErrInvalidAddress)
	}
	if len(raw) != pubKeyLen {
		return Address{}, fmt.Errorf("%w: wrong key length", ErrInvalidAddress)
	}

	if _, err := btcec.ParsePubKey(raw); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	addr := Address{Domain: host, Port: port, network: network}
	copy(addr.PubKey[:], raw)
	return addr, nil
}

func splitLocator(locator string) (string, int, error) {
	if idx := strings.LastIndexByte(locator, ':'); idx >= 0 {
		portStr := locator[idx+1:]
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("%w: bad port", ErrInvalidAddress)
		}
		host := locator[:idx]
		if host == "" {
			return "", 0, fmt.Errorf("%w: empty host", ErrInvalidAddress)
		}
		return host, port, nil
	}
	return locator, DefaultPort, nil
}

// Encode renders the address in its canonical textual form: scheme is
// always emitted, host/port omitted when they equal the defaults.
func (a Address) Encode() string {
	version := versionFor(a.network)
	encoded := checkEncodeTwoByteVersion(a.PubKey[:], version)

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString(encoded)
	if a.Domain != "" && a.Domain != DefaultHost || a.Port != DefaultPort {
		sb.WriteByte('@')
		if a.Domain == "" {
			sb.WriteString(DefaultHost)
		} else {
			sb.WriteString(a.Domain)
		}
		if a.Port != DefaultPort {
			sb.WriteByte(':')
			sb.WriteString(strconv.Itoa(a.Port))
		}
	}
	return sb.String()
}

func versionFor(n Network) [2]byte {
	if n == Testnet {
		return testnetVersion
	}
	return mainnetVersion
}

// base58CheckDecode decodes a base58check string carrying a 2-byte
// version prefix ahead of the payload, as grinbox addresses do. The
// btcutil/base58 package only natively checksums a single version byte,
// so the second version byte is folded into the checksummed payload on
// encode/decode here.
func base58CheckDecode(s string) ([]byte, [2]byte, error) {
	decoded, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, [2]byte{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) < 1 {
		return nil, [2]byte{}, fmt.Errorf("%w: truncated payload", ErrInvalidAddress)
	}
	v := [2]byte{version, decoded[0]}
	return decoded[1:], v, nil
}

func checkEncodeTwoByteVersion(pubKey []byte, version [2]byte) string {
	payload := append([]byte{version[1]}, pubKey...)
	return base58.CheckEncode(payload, version[0])
}
