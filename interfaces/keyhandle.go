package interfaces

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrInvalidKeyHandle is returned when a key handle's text form does not
	// match any of the canonical patterns.
	ErrInvalidKeyHandle = errors.New("invalid key handle")

	// ErrInvalidDerivationPath is returned for malformed BIP32 paths.
	ErrInvalidDerivationPath = errors.New("invalid derivation path")

	// ErrUnknownKeyType is returned for key type tokens that are not recognized.
	ErrUnknownKeyType = errors.New("unknown key type")

	// ErrUnknownNetwork is returned for network names that are not recognized.
	ErrUnknownNetwork = errors.New("unknown network")
)

// KeyType identifies the algorithm of a raw key. It is serialized as a fixed token.
type KeyType uint8

const (
	KeyTypeECDSASecp256k1 KeyType = iota
	KeyTypeBLS12381
	KeyTypeECDSAHash160
	KeyTypeBIP13ScriptHash
	KeyTypeEdDSA25519Hash160
)

var keyTypeTokens = map[KeyType]string{
	KeyTypeECDSASecp256k1:    "ECDSA_SECP256K1",
	KeyTypeBLS12381:          "BLS12_381",
	KeyTypeECDSAHash160:      "ECDSA_HASH160",
	KeyTypeBIP13ScriptHash:   "BIP13_SCRIPT_HASH",
	KeyTypeEdDSA25519Hash160: "EDDSA_25519_HASH160",
}

// ParseKeyType parses a key type token.
func ParseKeyType(s string) (KeyType, error) {
	for kt, token := range keyTypeTokens {
		if token == s {
			return kt, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKeyType, s)
}

// String returns the key type token.
func (kt KeyType) String() string {
	if token, ok := keyTypeTokens[kt]; ok {
		return token
	}
	return fmt.Sprintf("KeyType(%d)", uint8(kt))
}

func (kt KeyType) MarshalText() ([]byte, error) {
	if _, ok := keyTypeTokens[kt]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyType, uint8(kt))
	}
	return []byte(kt.String()), nil
}

func (kt *KeyType) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyType(string(text))
	if err != nil {
		return err
	}
	*kt = parsed
	return nil
}

// Network scopes seeds and derived keys to a Dash network.
type Network uint8

const (
	NetworkDash Network = iota
	NetworkTestnet
	NetworkDevnet
	NetworkRegtest
)

var networkNames = map[Network]string{
	NetworkDash:    "Dash",
	NetworkTestnet: "Testnet",
	NetworkDevnet:  "Devnet",
	NetworkRegtest: "Regtest",
}

// ParseNetwork parses a network name.
func ParseNetwork(s string) (Network, error) {
	for n, name := range networkNames {
		if name == s {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

func (n Network) String() string {
	if name, ok := networkNames[n]; ok {
		return name
	}
	return fmt.Sprintf("Network(%d)", uint8(n))
}

func (n Network) MarshalText() ([]byte, error) {
	if _, ok := networkNames[n]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, uint8(n))
	}
	return []byte(n.String()), nil
}

func (n *Network) UnmarshalText(text []byte) error {
	parsed, err := ParseNetwork(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// SeedHash is the SHA-256 of a master seed.
type SeedHash [32]byte

// NewSeedHashFromHex decodes a 64-character hex string.
func NewSeedHashFromHex(s string) (SeedHash, error) {
	if len(s) != 64 {
		return SeedHash{}, fmt.Errorf("invalid seed hash length: hex string must be 64 characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return SeedHash{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return SeedHash(b), nil
}

func (h SeedHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h SeedHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *SeedHash) UnmarshalText(text []byte) error {
	parsed, err := NewSeedHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HardenedKeyStart is the first hardened BIP32 child index.
const HardenedKeyStart uint32 = 0x80000000

// DerivationPath is a BIP32 path from the master node.
type DerivationPath []uint32

// ParseDerivationPath parses paths like "m/44'/5'/0'/0/0". Hardened indices are
// marked with ' or h.
func ParseDerivationPath(s string) (DerivationPath, error) {
	parts := strings.Split(s, "/")
	if parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q must start with \"m\"", ErrInvalidDerivationPath, s)
	}

	path := make(DerivationPath, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := false
		if trimmed, ok := strings.CutSuffix(part, "'"); ok {
			part, hardened = trimmed, true
		} else if trimmed, ok := strings.CutSuffix(part, "h"); ok {
			part, hardened = trimmed, true
		}

		if part == "" || strings.HasPrefix(part, "+") || strings.HasPrefix(part, "-") {
			return nil, fmt.Errorf("%w: %q has an empty or signed component", ErrInvalidDerivationPath, s)
		}
		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(index) >= HardenedKeyStart {
			return nil, fmt.Errorf("%w: %q has out of range index %q", ErrInvalidDerivationPath, s, part)
		}

		if hardened {
			index += uint64(HardenedKeyStart)
		}
		path = append(path, uint32(index))
	}
	return path, nil
}

// String returns the canonical text form using ' for hardened indices.
func (p DerivationPath) String() string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, index := range p {
		sb.WriteByte('/')
		if index >= HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(uint64(index-HardenedKeyStart), 10))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(strconv.FormatUint(uint64(index), 10))
		}
	}
	return sb.String()
}

// HandleKind discriminates the KeyHandle variants.
type HandleKind uint8

const (
	RawKeyHandle HandleKind = iota + 1
	DerivationSeedHandle
	DerivedHandle
)

func (k HandleKind) String() string {
	switch k {
	case RawKeyHandle:
		return "RawKey"
	case DerivationSeedHandle:
		return "DerivationSeed"
	case DerivedHandle:
		return "Derived"
	default:
		return "Unknown"
	}
}

// KeyHandle identifies a managed key without carrying private material.
//
// Variants:
//   - RawKey: a public key and its algorithm
//   - DerivationSeed: a master seed by content hash, scoped to a network
//   - Derived: a key reachable from a seed via a BIP32 path, scoped to a network
//
// KeyHandle is comparable and can be used as a map key. Its canonical text form is:
//
//	RawKey(bytes=<HEX>, type=<KeyType>)
//	DerivationSeed(seed_hash=<HEX32>, network=<Network>)
//	Derived(seed_hash=<HEX32>, derivation_path=<Path>, network=<Network>)
type KeyHandle struct {
	kind     HandleKind
	pubKey   string
	keyType  KeyType
	seedHash SeedHash
	path     string
	network  Network
}

// NewRawKeyHandle returns a handle for a raw key identified by its public key bytes.
func NewRawKeyHandle(publicKey []byte, keyType KeyType) KeyHandle {
	return KeyHandle{kind: RawKeyHandle, pubKey: string(publicKey), keyType: keyType}
}

// NewDerivationSeedHandle returns a handle for a master seed.
func NewDerivationSeedHandle(seedHash SeedHash, network Network) KeyHandle {
	return KeyHandle{kind: DerivationSeedHandle, seedHash: seedHash, network: network}
}

// NewDerivedHandle returns a handle for a key derived from a seed.
func NewDerivedHandle(seedHash SeedHash, path DerivationPath, network Network) KeyHandle {
	return KeyHandle{kind: DerivedHandle, seedHash: seedHash, path: path.String(), network: network}
}

// Kind returns the handle variant; zero for the zero value.
func (h KeyHandle) Kind() HandleKind { return h.kind }

// IsZero reports whether h is the zero value.
func (h KeyHandle) IsZero() bool { return h.kind == 0 }

// PublicKey returns the public key bytes of a RawKey handle.
func (h KeyHandle) PublicKey() []byte {
	if h.kind != RawKeyHandle {
		return nil
	}
	return []byte(h.pubKey)
}

// KeyType returns the algorithm of a RawKey handle. Seed-derived keys are
// always ECDSA secp256k1.
func (h KeyHandle) KeyType() KeyType {
	if h.kind == RawKeyHandle {
		return h.keyType
	}
	return KeyTypeECDSASecp256k1
}

// SeedHash returns the seed hash of DerivationSeed and Derived handles.
func (h KeyHandle) SeedHash() SeedHash { return h.seedHash }

// Network returns the network of DerivationSeed and Derived handles.
func (h KeyHandle) Network() Network { return h.network }

// DerivationPath returns the path of a Derived handle.
func (h KeyHandle) DerivationPath() DerivationPath {
	if h.kind != DerivedHandle {
		return nil
	}
	// Validated on construction and on parse.
	path, _ := ParseDerivationPath(h.path)
	return path
}

// SeedHandle returns the DerivationSeed handle a Derived handle descends from.
func (h KeyHandle) SeedHandle() KeyHandle {
	return NewDerivationSeedHandle(h.seedHash, h.network)
}

// String returns the canonical text form.
func (h KeyHandle) String() string {
	switch h.kind {
	case RawKeyHandle:
		return fmt.Sprintf("RawKey(bytes=%s, type=%s)", hex.EncodeToString([]byte(h.pubKey)), h.keyType)
	case DerivationSeedHandle:
		return fmt.Sprintf("DerivationSeed(seed_hash=%s, network=%s)", h.seedHash, h.network)
	case DerivedHandle:
		return fmt.Sprintf("Derived(seed_hash=%s, derivation_path=%s, network=%s)", h.seedHash, h.path, h.network)
	default:
		return "InvalidKeyHandle()"
	}
}

// ParseKeyHandle parses the canonical text form. Prefix, field order and
// suffix must match exactly.
func ParseKeyHandle(s string) (KeyHandle, error) {
	switch {
	case strings.HasPrefix(s, "RawKey("):
		fields, err := splitFields(s, "RawKey", "bytes", "type")
		if err != nil {
			return KeyHandle{}, err
		}
		pub, err := hex.DecodeString(fields[0])
		if err != nil || len(pub) == 0 {
			return KeyHandle{}, fmt.Errorf("%w: bad public key hex in %q", ErrInvalidKeyHandle, s)
		}
		kt, err := ParseKeyType(fields[1])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		return NewRawKeyHandle(pub, kt), nil

	case strings.HasPrefix(s, "DerivationSeed("):
		fields, err := splitFields(s, "DerivationSeed", "seed_hash", "network")
		if err != nil {
			return KeyHandle{}, err
		}
		seedHash, err := NewSeedHashFromHex(fields[0])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		network, err := ParseNetwork(fields[1])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		return NewDerivationSeedHandle(seedHash, network), nil

	case strings.HasPrefix(s, "Derived("):
		fields, err := splitFields(s, "Derived", "seed_hash", "derivation_path", "network")
		if err != nil {
			return KeyHandle{}, err
		}
		seedHash, err := NewSeedHashFromHex(fields[0])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		path, err := ParseDerivationPath(fields[1])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		network, err := ParseNetwork(fields[2])
		if err != nil {
			return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyHandle, err)
		}
		return NewDerivedHandle(seedHash, path, network), nil

	default:
		return KeyHandle{}, fmt.Errorf("%w: unrecognized prefix in %q", ErrInvalidKeyHandle, s)
	}
}

// splitFields checks `name(f1=v1, f2=v2, ...)` and returns the values in order.
func splitFields(s, name string, fieldNames ...string) ([]string, error) {
	inner, ok := strings.CutPrefix(s, name+"(")
	if !ok {
		return nil, fmt.Errorf("%w: expected prefix %q in %q", ErrInvalidKeyHandle, name+"(", s)
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return nil, fmt.Errorf("%w: missing closing parenthesis in %q", ErrInvalidKeyHandle, s)
	}

	parts := strings.Split(inner, ", ")
	if len(parts) != len(fieldNames) {
		return nil, fmt.Errorf("%w: expected %d fields in %q", ErrInvalidKeyHandle, len(fieldNames), s)
	}

	values := make([]string, len(parts))
	for i, part := range parts {
		value, ok := strings.CutPrefix(part, fieldNames[i]+"=")
		if !ok || value == "" || strings.ContainsAny(value, "() ,=") {
			return nil, fmt.Errorf("%w: expected field %q at position %d in %q", ErrInvalidKeyHandle, fieldNames[i], i, s)
		}
		values[i] = value
	}
	return values, nil
}

func (h KeyHandle) MarshalText() ([]byte, error) {
	if h.kind == 0 {
		return nil, fmt.Errorf("%w: zero value", ErrInvalidKeyHandle)
	}
	return []byte(h.String()), nil
}

func (h *KeyHandle) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Compare orders handles structurally: by variant, then by hash, path and
// network (or public key and type for raw keys).
func (h KeyHandle) Compare(other KeyHandle) int {
	if c := cmp.Compare(h.kind, other.kind); c != 0 {
		return c
	}
	switch h.kind {
	case RawKeyHandle:
		if c := strings.Compare(h.pubKey, other.pubKey); c != 0 {
			return c
		}
		return cmp.Compare(h.keyType, other.keyType)
	default:
		if c := bytes.Compare(h.seedHash[:], other.seedHash[:]); c != 0 {
			return c
		}
		if h.kind == DerivedHandle {
			if c := slices.Compare(h.DerivationPath(), other.DerivationPath()); c != 0 {
				return c
			}
		}
		return cmp.Compare(h.network, other.network)
	}
}
