package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"cryptoramp/services/rampd/assets"
)

var (
	// ErrNetworkUnavailable is returned when no backend serves the asset's network.
	ErrNetworkUnavailable = errors.New("chain: network unavailable")
	// ErrReadOnly is returned by sends on a backend without a signing key.
	ErrReadOnly = errors.New("chain: backend is read-only")
	// ErrTokenUnconfigured is returned when a token has no contract address.
	ErrTokenUnconfigured = errors.New("chain: token contract not configured")
)

// SendResult reports the outcome of a send. Failures are carried in Err rather
// than returned, so callers decide what a failed send means for the transaction.
type SendResult struct {
	OK     bool
	TxHash string
	Err    error
}

// Gateway reads balances and sends assets.
type Gateway interface {
	// BalanceOf returns the balance in the asset's smallest unit.
	BalanceOf(ctx context.Context, address string, asset assets.Asset) (*big.Int, error)
	Send(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) SendResult
	Decimals(asset assets.Asset) int
}

// Router dispatches to a backend per network.
type Router struct {
	backends map[assets.Network]Gateway
}

// NewRouter builds a router from the supplied backends. Nil entries are ignored.
func NewRouter(backends map[assets.Network]Gateway) *Router {
	cleaned := make(map[assets.Network]Gateway, len(backends))
	for network, backend := range backends {
		if backend != nil {
			cleaned[network] = backend
		}
	}
	return &Router{backends: cleaned}
}

func (r *Router) backend(asset assets.Asset) (Gateway, error) {
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: %s", assets.ErrUnsupportedAsset, asset)
	}
	backend, ok := r.backends[asset.Network()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkUnavailable, asset.Network())
	}
	return backend, nil
}

func (r *Router) BalanceOf(ctx context.Context, address string, asset assets.Asset) (*big.Int, error) {
	backend, err := r.backend(asset)
	if err != nil {
		return nil, err
	}
	return backend.BalanceOf(ctx, address, asset)
}

func (r *Router) Send(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) SendResult {
	backend, err := r.backend(asset)
	if err != nil {
		return SendResult{Err: err}
	}
	return backend.Send(ctx, address, quantity, asset)
}

func (r *Router) Decimals(asset assets.Asset) int {
	return asset.Decimals()
}

// Networks lists the networks with a configured backend.
func (r *Router) Networks() []assets.Network {
	out := make([]assets.Network, 0, len(r.backends))
	for network := range r.backends {
		out = append(out, network)
	}
	return out
}

// FuncGateway adapts callback functions to the Gateway interface.
type FuncGateway struct {
	BalanceFunc func(ctx context.Context, address string, asset assets.Asset) (*big.Int, error)
	SendFunc    func(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) SendResult
}

// BalanceOf delegates to the configured callback.
func (g FuncGateway) BalanceOf(ctx context.Context, address string, asset assets.Asset) (*big.Int, error) {
	if g.BalanceFunc == nil {
		return big.NewInt(0), nil
	}
	return g.BalanceFunc(ctx, address, asset)
}

// Send delegates to the configured callback.
func (g FuncGateway) Send(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) SendResult {
	if g.SendFunc == nil {
		return SendResult{Err: ErrReadOnly}
	}
	return g.SendFunc(ctx, address, quantity, asset)
}

// Decimals returns the asset's native scale.
func (g FuncGateway) Decimals(asset assets.Asset) int {
	return asset.Decimals()
}
