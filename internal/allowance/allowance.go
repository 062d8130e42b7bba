// Package allowance grants ERC-20 spending allowances through an Ethereum
// JSON-RPC node that manages the owner account.
package allowance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"

	"github.com/oceanprotocol/uploader-backend/internal/signature"
)

var log = logging.Logger("allowance")

const DefaultPollInterval = 2 * time.Second

var (
	ErrReverted        = errors.New("approve transaction reverted")
	ErrInvalidApproval = errors.New("invalid approval")
)

// Approval authorizes Spender to move Amount of Token on behalf of Owner.
type Approval struct {
	Token   string
	Spender string
	Owner   string
	Amount  *big.Int
}

func (a Approval) validate() error {
	switch {
	case !signature.ValidAddress(a.Token):
		return fmt.Errorf("%w: token %q", ErrInvalidApproval, a.Token)
	case !signature.ValidAddress(a.Spender):
		return fmt.Errorf("%w: spender %q", ErrInvalidApproval, a.Spender)
	case !signature.ValidAddress(a.Owner):
		return fmt.Errorf("%w: owner %q", ErrInvalidApproval, a.Owner)
	case a.Amount == nil || a.Amount.Sign() < 0 || a.Amount.BitLen() > 256:
		return fmt.Errorf("%w: amount %v", ErrInvalidApproval, a.Amount)
	}
	return nil
}

type Approver interface {
	// Approve submits the approval and waits until it is mined. It returns
	// the transaction hash.
	Approve(ctx context.Context, a Approval) (string, error)
}

// ethAPI is the part of the Ethereum JSON-RPC API used to approve.
type ethAPI struct {
	SendTransaction       func(ctx context.Context, tx sendTx) (string, error)     `rpc_method:"eth_sendTransaction"`
	GetTransactionReceipt func(ctx context.Context, hash string) (*receipt, error) `rpc_method:"eth_getTransactionReceipt"`
}

// RPC approves through eth_sendTransaction, so the node must hold the
// owner's key.
type RPC struct {
	api          ethAPI
	closer       jsonrpc.ClientCloser
	pollInterval time.Duration
}

// NewRPC connects to the node at endpoint. A nil httpClient uses the
// library default.
func NewRPC(ctx context.Context, endpoint string, httpClient *http.Client) (*RPC, error) {
	var opts []jsonrpc.Option
	if httpClient != nil {
		opts = append(opts, jsonrpc.WithHTTPClient(httpClient))
	}

	c := &RPC{pollInterval: DefaultPollInterval}
	closer, err := jsonrpc.NewMergeClient(ctx, endpoint, "eth", []interface{}{&c.api}, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc.NewMergeClient: %w", err)
	}
	c.closer = closer
	return c, nil
}

func (c *RPC) Close() {
	c.closer()
}

// WithPollInterval sets how often receipts are polled.
func (c *RPC) WithPollInterval(d time.Duration) *RPC {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

type sendTx struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data string `json:"data"`
}

type receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
}

func (c *RPC) Approve(ctx context.Context, a Approval) (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}

	data, err := ApproveCalldata(a.Spender, a.Amount)
	if err != nil {
		return "", err
	}

	txHash, err := c.api.SendTransaction(ctx, sendTx{
		From: a.Owner,
		To:   a.Token,
		Data: "0x" + hex.EncodeToString(data),
	})
	if err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	log.Infow("approve sent", "tx", txHash, "token", a.Token, "spender", a.Spender, "amount", a.Amount.String())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.api.GetTransactionReceipt(ctx, txHash)
		if err != nil {
			return txHash, fmt.Errorf("eth_getTransactionReceipt: %w", err)
		}
		if r != nil && r.BlockNumber != "" {
			if r.Status != "0x1" {
				return txHash, fmt.Errorf("%w: %s status %s", ErrReverted, txHash, r.Status)
			}
			log.Infow("approve mined", "tx", txHash, "block", r.BlockNumber)
			return txHash, nil
		}

		select {
		case <-ctx.Done():
			return txHash, ctx.Err()
		case <-ticker.C:
		}
	}
}

var approveSelector = signature.Keccak256([]byte("approve(address,uint256)"))[:4]

// ApproveCalldata ABI encodes approve(spender, amount).
func ApproveCalldata(spender string, amount *big.Int) ([]byte, error) {
	addr, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(spender, "0x"), "0X"))
	if err != nil || len(addr) != 20 {
		return nil, fmt.Errorf("%w: spender %q", ErrInvalidApproval, spender)
	}
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return nil, fmt.Errorf("%w: amount %v", ErrInvalidApproval, amount)
	}

	out := make([]byte, 4+32+32)
	copy(out, approveSelector)
	copy(out[4+12:4+32], addr)
	amount.FillBytes(out[4+32:])
	return out, nil
}
