package asset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromCode(t *testing.T) {
	a, err := FromCode("DEPIX")
	require.NoError(t, err)
	require.Equal(t, DEPIX, a)

	_, err = FromCode("DOGE")
	require.ErrorIs(t, err, ErrUnknownAsset)
}

func TestFromHex(t *testing.T) {
	a, err := FromHex(LBTC.Hex)
	require.NoError(t, err)
	require.Equal(t, "LBTC", a.Code)

	_, err = FromHex("deadbeef")
	require.ErrorIs(t, err, ErrUnknownAsset)
}

func TestSupported(t *testing.T) {
	require.True(t, Supported("DEPIX", NetworkLiquid))
	require.True(t, Supported("USDT", NetworkLiquid))
	require.True(t, Supported("LBTC", NetworkLiquid))

	require.False(t, Supported("DEPIX", "mainnet"))
	require.False(t, Supported("DOGE", NetworkLiquid))
}
