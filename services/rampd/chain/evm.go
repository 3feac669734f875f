package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"cryptoramp/services/rampd/assets"
)

const erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// RPC is the subset of the Ethereum JSON-RPC client used by EVMClient.
type RPC interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// EVMConfig describes one EVM-compatible network backend. PrivateKeyHex enables
// sends; without it the backend is read-only.
type EVMConfig struct {
	Network       assets.Network
	ChainID       int64
	PrivateKeyHex string
	Contracts     map[assets.Asset]string
}

// EVMClient reads balances and signs dynamic-fee transfers against an EVM
// JSON-RPC endpoint. TRON networks are served read-only through their
// eth-compatible JSON-RPC with base58 addresses translated to 20-byte form.
type EVMClient struct {
	rpc       RPC
	network   assets.Network
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	contracts map[assets.Asset]common.Address

	sendMu sync.Mutex
}

// DialEVM connects to endpoint and wraps the connection.
func DialEVM(ctx context.Context, endpoint string, cfg EVMConfig) (*EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Network, err)
	}
	return NewEVMClient(client, cfg)
}

// NewEVMClient wraps an existing RPC connection.
func NewEVMClient(rpc RPC, cfg EVMConfig) (*EVMClient, error) {
	if rpc == nil {
		return nil, fmt.Errorf("evm rpc client required")
	}
	client := &EVMClient{
		rpc:       rpc,
		network:   cfg.Network,
		chainID:   big.NewInt(cfg.ChainID),
		contracts: make(map[assets.Asset]common.Address, len(cfg.Contracts)),
	}
	for asset, raw := range cfg.Contracts {
		if asset.Network() != cfg.Network {
			return nil, fmt.Errorf("contract for %s configured on %s network", asset, cfg.Network)
		}
		addr, err := client.parseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("contract for %s: %w", asset, err)
		}
		client.contracts[asset] = addr
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"); key != "" {
		if cfg.Network != assets.NetworkEthereum {
			return nil, fmt.Errorf("signing is only supported on the %s network", assets.NetworkEthereum)
		}
		if cfg.ChainID <= 0 {
			return nil, fmt.Errorf("chain id required for signing")
		}
		parsed, err := gethcrypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("parse hot wallet key: %w", err)
		}
		client.key = parsed
		client.from = gethcrypto.PubkeyToAddress(parsed.PublicKey)
	}
	return client, nil
}

// From returns the hot wallet address, zero when read-only.
func (c *EVMClient) From() common.Address { return c.from }

func (c *EVMClient) parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if c.network == assets.NetworkTron {
		return assets.TronToHex(trimmed)
	}
	if !strings.HasPrefix(trimmed, "0x") || !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", assets.ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func (c *EVMClient) BalanceOf(ctx context.Context, address string, asset assets.Asset) (*big.Int, error) {
	if asset.Network() != c.network {
		return nil, fmt.Errorf("%w: %s not served by %s backend", ErrNetworkUnavailable, asset, c.network)
	}
	owner, err := c.parseAddress(address)
	if err != nil {
		return nil, err
	}
	if !asset.IsToken() {
		balance, err := c.rpc.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", owner.Hex(), err)
		}
		return balance, nil
	}
	contract, ok := c.contracts[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenUnconfigured, asset)
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf on %s: %w", contract.Hex(), err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf result")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", values[0])
	}
	return balance, nil
}

func (c *EVMClient) Send(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) SendResult {
	hash, err := c.send(ctx, address, quantity, asset)
	if err != nil {
		return SendResult{Err: err}
	}
	return SendResult{OK: true, TxHash: hash}
}

func (c *EVMClient) send(ctx context.Context, address string, quantity decimal.Decimal, asset assets.Asset) (string, error) {
	if c.key == nil {
		return "", ErrReadOnly
	}
	if asset.Network() != c.network {
		return "", fmt.Errorf("%w: %s not served by %s backend", ErrNetworkUnavailable, asset, c.network)
	}
	if !quantity.IsPositive() {
		return "", fmt.Errorf("send quantity must be positive")
	}
	to, err := c.parseAddress(address)
	if err != nil {
		return "", err
	}
	amount, err := asset.ToNative(quantity)
	if err != nil {
		return "", err
	}

	target := to
	value := amount
	var data []byte
	if asset.IsToken() {
		contract, ok := c.contracts[asset]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrTokenUnconfigured, asset)
		}
		data, err = erc20ABI.Pack("transfer", to, amount)
		if err != nil {
			return "", fmt.Errorf("pack transfer: %w", err)
		}
		target = contract
		value = big.NewInt(0)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &target, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (c *EVMClient) Decimals(asset assets.Asset) int {
	return asset.Decimals()
}
