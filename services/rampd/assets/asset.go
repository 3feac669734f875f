package assets

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset identifies one of the supported digital assets. The set is closed; values
// outside the constants below never pass Parse.
type Asset string

const (
	USDTERC20 Asset = "USDT_ERC20"
	USDTTRC20 Asset = "USDT_TRC20"
	USDCERC20 Asset = "USDC_ERC20"
	USDCTRC20 Asset = "USDC_TRC20"
	ETH       Asset = "ETH"
	BTC       Asset = "BTC"
)

// Network names the chain an asset settles on.
type Network string

const (
	NetworkEthereum Network = "ethereum"
	NetworkTron     Network = "tron"
	NetworkBitcoin  Network = "bitcoin"
)

var (
	// ErrUnsupportedAsset is returned for asset identifiers outside the closed set.
	ErrUnsupportedAsset = errors.New("assets: unsupported asset")
	// ErrInvalidAddress is returned when an address does not match the asset's scheme.
	ErrInvalidAddress = errors.New("assets: invalid address")
	// ErrPrecision is returned when a quantity has more fractional digits than the
	// asset's native unit allows.
	ErrPrecision = errors.New("assets: quantity exceeds native precision")
)

type scheme int

const (
	schemeEVM scheme = iota
	schemeTron
	schemeBitcoin
)

type descriptor struct {
	display     string
	symbol      string
	network     Network
	decimals    int32
	scheme      scheme
	confirmTime string
}

var catalogue = map[Asset]descriptor{
	USDTERC20: {display: "USDT(ERC-20)", symbol: "USDT", network: NetworkEthereum, decimals: 6, scheme: schemeEVM, confirmTime: "5-20 minutes"},
	USDTTRC20: {display: "USDT(TRC-20)", symbol: "USDT", network: NetworkTron, decimals: 6, scheme: schemeTron, confirmTime: "1-3 minutes"},
	USDCERC20: {display: "USDC(ERC-20)", symbol: "USDC", network: NetworkEthereum, decimals: 6, scheme: schemeEVM, confirmTime: "5-20 minutes"},
	USDCTRC20: {display: "USDC(TRC-20)", symbol: "USDC", network: NetworkTron, decimals: 6, scheme: schemeTron, confirmTime: "1-3 minutes"},
	ETH:       {display: "ETH", symbol: "ETH", network: NetworkEthereum, decimals: 18, scheme: schemeEVM, confirmTime: "5-20 minutes"},
	BTC:       {display: "BTC", symbol: "BTC", network: NetworkBitcoin, decimals: 8, scheme: schemeBitcoin, confirmTime: "10-60 minutes"},
}

// RequiredConfirmations is the number of blocks a deposit is expected to sit under
// before it is considered final.
const RequiredConfirmations = 2

// Parse resolves canonical keys ("USDT_ERC20") and display strings ("USDT(ERC-20)"),
// case-insensitively.
func Parse(raw string) (Asset, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedAsset)
	}
	if _, ok := catalogue[Asset(trimmed)]; ok {
		return Asset(trimmed), nil
	}
	for asset, desc := range catalogue {
		if strings.ToUpper(desc.display) == trimmed {
			return asset, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAsset, raw)
}

// All returns every supported asset in a stable order.
func All() []Asset {
	out := make([]Asset, 0, len(catalogue))
	for asset := range catalogue {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether a is a member of the supported set.
func (a Asset) Valid() bool {
	_, ok := catalogue[a]
	return ok
}

func (a Asset) String() string { return string(a) }

// Display returns the user facing label, e.g. "USDT(TRC-20)".
func (a Asset) Display() string {
	if desc, ok := catalogue[a]; ok {
		return desc.display
	}
	return string(a)
}

// Symbol returns the underlying instrument shared by all network variants.
func (a Asset) Symbol() string {
	if desc, ok := catalogue[a]; ok {
		return desc.symbol
	}
	return ""
}

// Network returns the chain the asset settles on.
func (a Asset) Network() Network {
	if desc, ok := catalogue[a]; ok {
		return desc.network
	}
	return ""
}

// Decimals returns the number of fractional digits of the native unit.
func (a Asset) Decimals() int {
	if desc, ok := catalogue[a]; ok {
		return int(desc.decimals)
	}
	return 0
}

// IsToken reports whether the asset is a token contract rather than the chain's
// native coin.
func (a Asset) IsToken() bool {
	switch a {
	case USDTERC20, USDTTRC20, USDCERC20, USDCTRC20:
		return true
	default:
		return false
	}
}

// DepositNotes returns the instructions shown next to a SELL deposit address.
func (a Asset) DepositNotes() []string {
	desc, ok := catalogue[a]
	if !ok {
		return nil
	}
	var network string
	switch {
	case desc.network == NetworkTron:
		network = "TRON (TRC-20)"
	case desc.network == NetworkEthereum && a.IsToken():
		network = "Ethereum (ERC-20)"
	case desc.network == NetworkEthereum:
		network = "Ethereum"
	default:
		network = "Bitcoin"
	}
	notes := []string{fmt.Sprintf("Send only %s on %s network", desc.symbol, network)}
	if a.IsToken() {
		notes = append(notes, "Sending on other networks will result in loss of funds")
	}
	return append(notes,
		"Typical confirmation time: "+desc.confirmTime,
		fmt.Sprintf("Required confirmations: %d", RequiredConfirmations),
	)
}

// ValidateAddress checks addr against the asset's address scheme.
func (a Asset) ValidateAddress(addr string) error {
	desc, ok := catalogue[a]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedAsset, string(a))
	}
	addr = strings.TrimSpace(addr)
	var valid bool
	switch desc.scheme {
	case schemeEVM:
		valid = strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
	case schemeTron:
		valid = validTron(addr)
	case schemeBitcoin:
		valid = validBitcoin(addr)
	}
	if !valid {
		return fmt.Errorf("%w for %s: %q", ErrInvalidAddress, desc.display, addr)
	}
	return nil
}

const tronVersion = 0x41

func validTron(addr string) bool {
	if len(addr) != 34 || addr[0] != 'T' {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	return err == nil && version == tronVersion && len(payload) == common.AddressLength
}

func validBitcoin(addr string) bool {
	if len(addr) < 26 || len(addr) > 35 {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil || len(payload) != 20 {
		return false
	}
	return version == 0x00 || version == 0x05
}

// TronToHex converts a base58check TRON address into its 20-byte account form.
func TronToHex(addr string) (common.Address, error) {
	if !validTron(addr) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	payload, _, _ := base58.CheckDecode(addr)
	return common.BytesToAddress(payload), nil
}

// ToNative scales a decimal quantity to the asset's smallest unit.
func (a Asset) ToNative(qty decimal.Decimal) (*big.Int, error) {
	desc, ok := catalogue[a]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAsset, string(a))
	}
	shifted := qty.Shift(desc.decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrPrecision, qty.String(), desc.decimals)
	}
	return shifted.BigInt(), nil
}

// FromNative converts an amount in the smallest unit back to a decimal quantity.
func (a Asset) FromNative(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(a.Decimals()))
}
