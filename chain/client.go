package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ReceiptState summarises the on-chain fate of a reward transaction.
type ReceiptState string

const (
	ReceiptPending  ReceiptState = "pending"
	ReceiptSuccess  ReceiptState = "success"
	ReceiptReverted ReceiptState = "reverted"
	ReceiptNotFound ReceiptState = "not_found"
)

const rewardABIJSON = `[{"inputs":[{"internalType":"address","name":"player","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bytes32","name":"submissionId","type":"bytes32"}],"name":"grantReward","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// RPC is the subset of the Ethereum JSON-RPC used by the settlement engine.
// *ethclient.Client satisfies it.
type RPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Config describes the reward contract binding and signer.
type Config struct {
	ChainID       *big.Int
	Contract      common.Address
	GasLimit      uint64
	Confirmations uint64
}

// Client submits reward transactions and tracks their fate. Multiple RPC
// backends are rotated through on transport errors so a single flaky endpoint
// does not stall settlement.
type Client struct {
	cfg      Config
	key      *ecdsa.PrivateKey
	from     common.Address
	backends []RPC
	reward   abi.ABI

	mu     sync.Mutex
	active int
}

// Dial connects every endpoint and builds a failover client.
func Dial(cfg Config, key *ecdsa.PrivateKey, endpoints []string) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain: at least one rpc endpoint required")
	}
	backends := make([]RPC, 0, len(endpoints))
	for _, endpoint := range endpoints {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			return nil, fmt.Errorf("chain: empty rpc endpoint")
		}
		ec, err := ethclient.Dial(trimmed)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
		}
		backends = append(backends, ec)
	}
	return NewClient(cfg, key, backends)
}

// NewClient builds a failover client over the provided backends.
func NewClient(cfg Config, key *ecdsa.PrivateKey, backends []RPC) (*Client, error) {
	if key == nil {
		return nil, fmt.Errorf("chain: signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("chain: reward contract address required")
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("chain: at least one backend required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 150_000
	}
	parsed, err := abi.JSON(strings.NewReader(rewardABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse reward abi: %w", err)
	}
	return &Client{
		cfg:      cfg,
		key:      key,
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
		backends: backends,
		reward:   parsed,
	}, nil
}

// LoadSignerKey decrypts a geth keystore JSON blob with the passphrase.
func LoadSignerKey(keystoreJSON []byte, passphrase string) (*ecdsa.PrivateKey, error) {
	decrypted, err := keystore.DecryptKey(keystoreJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt signer key: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// Signer returns the address transactions are sent from.
func (c *Client) Signer() common.Address { return c.from }

// SubmitReward signs and broadcasts a grantReward call. It returns the
// transaction hash and the account nonce the transaction was bound to; the
// nonce is what later lets the caller prove the transaction can no longer
// land.
func (c *Client) SubmitReward(ctx context.Context, player common.Address, amountWei *big.Int, submissionID string) (common.Hash, uint64, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return common.Hash{}, 0, permanent(fmt.Errorf("chain: reward amount must be positive"))
	}
	data, err := c.reward.Pack("grantReward", player, amountWei, common.HexToHash(submissionID))
	if err != nil {
		return common.Hash{}, 0, permanent(fmt.Errorf("chain: pack reward call: %w", err))
	}

	var (
		txHash  common.Hash
		txNonce uint64
	)
	err = c.withFailover(ctx, func(rpc RPC) error {
		nonce, err := rpc.PendingNonceAt(ctx, c.from)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		tip, err := rpc.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("suggest tip: %w", err)
		}
		head, err := rpc.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		feeCap := new(big.Int).Set(tip)
		if head != nil && head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   c.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       c.cfg.GasLimit,
			To:        &c.cfg.Contract,
			Data:      data,
		})
		signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.cfg.ChainID), c.key)
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		if err := rpc.SendTransaction(ctx, signed); err != nil {
			return classifySendError(fmt.Errorf("send transaction: %w", err))
		}
		txHash = signed.Hash()
		txNonce = nonce
		return nil
	})
	if err != nil {
		return common.Hash{}, 0, err
	}
	return txHash, txNonce, nil
}

// ReceiptStatus reports the transaction's current state. A successful receipt
// shallower than the configured confirmation depth is still pending.
func (c *Client) ReceiptStatus(ctx context.Context, txHash common.Hash) (ReceiptState, error) {
	state := ReceiptNotFound
	err := c.withFailover(ctx, func(rpc RPC) error {
		receipt, err := rpc.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			state = ReceiptNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch receipt: %w", err)
		}
		if receipt.Status != gethtypes.ReceiptStatusSuccessful {
			state = ReceiptReverted
			return nil
		}
		if c.cfg.Confirmations > 0 {
			head, err := rpc.HeaderByNumber(ctx, nil)
			if err != nil {
				return fmt.Errorf("fetch head: %w", err)
			}
			if head == nil || head.Number == nil || receipt.BlockNumber == nil {
				return fmt.Errorf("block metadata unavailable")
			}
			depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
			depth.Add(depth, big.NewInt(1))
			if depth.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) < 0 {
				state = ReceiptPending
				return nil
			}
		}
		state = ReceiptSuccess
		return nil
	})
	if err != nil {
		return ReceiptNotFound, err
	}
	return state, nil
}

// ConfirmedAbsent reports whether the transaction can no longer land: the
// signer's confirmed account nonce has advanced past the transaction nonce and
// no receipt exists. Only then is resubmission safe.
func (c *Client) ConfirmedAbsent(ctx context.Context, txNonce uint64, txHash common.Hash) (bool, error) {
	absent := false
	err := c.withFailover(ctx, func(rpc RPC) error {
		_, err := rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			absent = false
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("fetch receipt: %w", err)
		}
		accountNonce, err := rpc.NonceAt(ctx, c.from, nil)
		if err != nil {
			return fmt.Errorf("account nonce: %w", err)
		}
		absent = accountNonce > txNonce
		return nil
	})
	if err != nil {
		return false, err
	}
	return absent, nil
}

// withFailover runs op against the active backend and rotates to the next one
// on failure, trying each backend at most once per call.
func (c *Client) withFailover(ctx context.Context, op func(RPC) error) error {
	c.mu.Lock()
	start := c.active
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < len(c.backends); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := (start + i) % len(c.backends)
		err := op(c.backends[idx])
		if err == nil {
			c.mu.Lock()
			c.active = idx
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// A node rejected the transaction itself; another backend would too.
		if IsPermanent(err) {
			return err
		}
	}
	return fmt.Errorf("chain: all backends failed: %w", lastErr)
}
