// Package asset holds the fixed registry of settleable assets.
package asset

import "errors"

type Asset struct {
	Code      string
	Hex       string
	Network   string
	Precision int32
}

var ErrUnknownAsset = errors.New("unknown asset")

const NetworkLiquid = "liquid"

var (
	DEPIX = Asset{
		Code:      "DEPIX",
		Hex:       "02f22f8d9c76ab41661a2729e4752e2c5d1a263012141b86ea98af5472df5189",
		Network:   NetworkLiquid,
		Precision: 8,
	}
	USDT = Asset{
		Code:      "USDT",
		Hex:       "ce091c998b83c78bb71a632313ba3760f1763d9cfcffae02258ffa9865a37bd2",
		Network:   NetworkLiquid,
		Precision: 8,
	}
	LBTC = Asset{
		Code:      "LBTC",
		Hex:       "6f0279e9ed041c3d710a9f57d0c02928416460c4b722ae3457a11eec381c526d",
		Network:   NetworkLiquid,
		Precision: 8,
	}
)

var registry = []Asset{DEPIX, USDT, LBTC}

func FromCode(code string) (Asset, error) {
	for _, a := range registry {
		if a.Code == code {
			return a, nil
		}
	}
	return Asset{}, ErrUnknownAsset
}

func FromHex(hex string) (Asset, error) {
	for _, a := range registry {
		if a.Hex == hex {
			return a, nil
		}
	}
	return Asset{}, ErrUnknownAsset
}

// Supported reports whether the asset code is settleable on the given network.
func Supported(code, network string) bool {
	a, err := FromCode(code)
	if err != nil {
		return false
	}
	return a.Network == network
}
