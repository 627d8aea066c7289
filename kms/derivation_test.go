package kms

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkParams(t *testing.T) {
	testCases := []struct {
		network interfaces.Network
		want    *chaincfg.Params
	}{
		{network: interfaces.NetworkDash, want: &chaincfg.MainNetParams},
		{network: interfaces.NetworkTestnet, want: &chaincfg.TestNet3Params},
		{network: interfaces.NetworkDevnet, want: &chaincfg.TestNet3Params},
		{network: interfaces.NetworkRegtest, want: &chaincfg.RegressionNetParams},
	}

	for _, tc := range testCases {
		t.Run(tc.network.String(), func(t *testing.T) {
			params, err := networkParams(tc.network)
			require.NoError(t, err)
			assert.Same(t, tc.want, params)
		})
	}

	_, err := networkParams(interfaces.Network(200))
	require.ErrorIs(t, err, interfaces.ErrUnknownNetwork)
}

func TestGenerateRawKeyDeterministic(t *testing.T) {
	material := bytes.Repeat([]byte{0x11}, 32)

	a, err := generateRawKey(material)
	require.NoError(t, err)
	b, err := generateRawKey(material)
	require.NoError(t, err)
	assert.Equal(t, a.Serialize(), b.Serialize())

	c, err := generateRawKey(bytes.Repeat([]byte{0x12}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, a.Serialize(), c.Serialize())

	_, err = generateRawKey(make([]byte, 15))
	require.ErrorIs(t, err, ErrKeyGeneration)
}

func TestDeriveExtendedKeyErrors(t *testing.T) {
	_, err := deriveExtendedKey(make([]byte, 8), interfaces.NetworkDash, nil)
	require.ErrorIs(t, err, ErrKeyGeneration, "seed shorter than 16 bytes")

	_, err = deriveExtendedKey(seed99(), interfaces.Network(200), nil)
	require.ErrorIs(t, err, interfaces.ErrUnknownNetwork)

	xpub, err := extendedPublicKey(seed99(), interfaces.NetworkTestnet, interfaces.DerivationPath{interfaces.HardenedKeyStart})
	require.NoError(t, err)
	assert.NotEqual(t, [4]byte{}, xpub.ParentFingerprint)
	assert.Contains(t, []byte{0x02, 0x03}, xpub.PublicKey[0])
}
