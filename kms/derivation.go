package kms

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"golang.org/x/crypto/hkdf"
)

// rawKeyInfo domain-separates the HKDF stream used for raw key generation.
const rawKeyInfo = "wallet-kms secp256k1 raw key"

// maxScalarAttempts bounds the rejection sampling of secp256k1 scalars. The
// chance of needing a second draw is below 2^-127.
const maxScalarAttempts = 64

// networkParams maps a network to the BIP32 parameters used for derivation.
func networkParams(network interfaces.Network) (*chaincfg.Params, error) {
	switch network {
	case interfaces.NetworkDash:
		return &chaincfg.MainNetParams, nil
	case interfaces.NetworkTestnet, interfaces.NetworkDevnet:
		return &chaincfg.TestNet3Params, nil
	case interfaces.NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %d", interfaces.ErrUnknownNetwork, network)
	}
}

// deriveExtendedKey walks path from the BIP32 master key of seed. The caller
// must Zero the returned key.
func deriveExtendedKey(seed []byte, network interfaces.Network, path interfaces.DerivationPath) (*hdkeychain.ExtendedKey, error) {
	params, err := networkParams(network)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	for depth, index := range path {
		child, err := key.Derive(index)
		key.Zero()
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			return nil, fmt.Errorf("%w: index %d at depth %d of %s is invalid", ErrInvalidDerivationPath, index, depth, path)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		key = child
	}
	return key, nil
}

// derivePrivateKey returns the secp256k1 key at path. The caller must Zero it.
func derivePrivateKey(seed []byte, network interfaces.Network, path interfaces.DerivationPath) (*btcec.PrivateKey, error) {
	key, err := deriveExtendedKey(seed, network, path)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return priv, nil
}

// extendedPublicKey returns the DIP-15 xpub fields of the key at path.
func extendedPublicKey(seed []byte, network interfaces.Network, path interfaces.DerivationPath) (cryptoutils.ExtendedPubKey, error) {
	key, err := deriveExtendedKey(seed, network, path)
	if err != nil {
		return cryptoutils.ExtendedPubKey{}, err
	}
	defer key.Zero()

	pub, err := key.ECPubKey()
	if err != nil {
		return cryptoutils.ExtendedPubKey{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	var xpub cryptoutils.ExtendedPubKey
	binary.BigEndian.PutUint32(xpub.ParentFingerprint[:], key.ParentFingerprint())
	copy(xpub.ChainCode[:], key.ChainCode())
	copy(xpub.PublicKey[:], pub.SerializeCompressed())
	return xpub, nil
}

// generateRawKey draws a secp256k1 private key from an HKDF-SHA256 stream
// keyed with seedMaterial. The same material always yields the same key.
func generateRawKey(seedMaterial []byte) (*btcec.PrivateKey, error) {
	if len(seedMaterial) < 16 {
		return nil, fmt.Errorf("%w: seed material must be at least 16 bytes", ErrKeyGeneration)
	}

	stream := hkdf.New(sha256.New, seedMaterial, nil, []byte(rawKeyInfo))
	candidate := make([]byte, 32)
	defer cryptoutils.Wipe(candidate)

	for i := 0; i < maxScalarAttempts; i++ {
		if _, err := io.ReadFull(stream, candidate); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}

		var scalar btcec.ModNScalar
		overflow := scalar.SetByteSlice(candidate)
		zero := scalar.IsZero()
		scalar.Zero()
		if overflow || zero {
			continue
		}

		priv, _ := btcec.PrivKeyFromBytes(candidate)
		return priv, nil
	}
	return nil, fmt.Errorf("%w: no valid scalar in stream", ErrKeyGeneration)
}
