package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Agent-Economy/internal/chain"
)

// weiPerHBAR 把 HBAR 计价的金额映射到 EVM 原生币的最小单位。
var weiPerHBAR = big.NewFloat(1e18)

// Config describes how to reach an EVM compatible settlement rail.
type Config struct {
	RPCURL     string
	PrivateKey string
	Notes      string
}

// Client 通过 EVM 兼容链完成真实转账，是 chain.Client 的线上实现。
// 所有转账都由配置的结算私钥签名发出。
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	sender    common.Address
	notes     string

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	keyHex := strings.TrimSpace(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if keyHex == "" {
		return nil, errors.New("未配置结算私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析结算私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		key:       key,
		sender:    crypto.PubkeyToAddress(key.PublicKey),
		notes:     cfg.Notes,
	}, nil
}

// Transfer 发送一笔已签名的原生币转账。from 参数仅用于审计日志，
// 实际出账方始终是结算私钥对应的地址。
func (c *Client) Transfer(ctx context.Context, from, to string, amountHBAR float64) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if amountHBAR <= 0 {
		return "", errors.New("转账金额必须大于 0")
	}
	recipient := strings.TrimSpace(to)
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("无效的收款地址: %s", to)
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	value, _ := new(big.Float).Mul(big.NewFloat(amountHBAR), weiPerHBAR).Int(nil)
	tx := coretypes.NewTransaction(nonce, common.HexToAddress(recipient), value, 21000, gasPrice, nil)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Balance 查询账户余额并换算回 HBAR 计价。
func (c *Client) Balance(ctx context.Context, account string) (float64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	addr := strings.TrimSpace(account)
	if !common.IsHexAddress(addr) {
		return 0, fmt.Errorf("无效的查询地址: %s", account)
	}
	balance, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), weiPerHBAR).Float64()
	return out, nil
}

// Simulated 恒为 false。
func (c *Client) Simulated() bool { return false }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = chainID
	return chainID, nil
}

var _ chain.Client = (*Client)(nil)
