package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tonymorony/memedaq/internal/memeindex"
)

// Chain is the RPC surface a settlement operation needs. Narrow on purpose so
// tests can count calls and assert short-circuits.
type Chain interface {
	// FetchIndexConfig returns nil without error when the config account
	// does not exist yet.
	FetchIndexConfig(ctx context.Context, configKey solana.PublicKey) (*memeindex.Config, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	SendAndConfirm(ctx context.Context, instructions []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error)
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (float64, error)
	Balance(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

type rpcChain struct {
	rpc           *rpc.Client
	commitment    rpc.CommitmentType
	skipPreflight bool
	maxRetries    *uint
}

func NewRPCChain(rpcURL string, commitment rpc.CommitmentType, skipPreflight bool, maxRetries *uint) Chain {
	return &rpcChain{
		rpc:           rpc.New(rpcURL),
		commitment:    commitment,
		skipPreflight: skipPreflight,
		maxRetries:    maxRetries,
	}
}

func (c *rpcChain) FetchIndexConfig(ctx context.Context, configKey solana.PublicKey) (*memeindex.Config, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, configKey, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err != nil {
		if isAccountNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch index config %s: %w", configKey, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}

	config, err := memeindex.ParseConfigAccount(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode index config %s: %w", configKey, err)
	}
	return config, nil
}

func (c *rpcChain) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err != nil {
		if isAccountNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("fetch account %s: %w", account, err)
	}
	return resp != nil && resp.Value != nil, nil
}

func (c *rpcChain) SendAndConfirm(ctx context.Context, instructions []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	sig, err := c.sendTransaction(ctx, instructions, signer)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := c.waitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (c *rpcChain) TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (float64, error) {
	resp, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, c.commitment)
	if err != nil {
		if isAccountNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch token balance %s: %w", tokenAccount, err)
	}
	if resp == nil || resp.Value == nil || resp.Value.UiAmount == nil {
		return 0, nil
	}
	return *resp.Value.UiAmount, nil
}

func (c *rpcChain) Balance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	resp, err := c.rpc.GetBalance(ctx, owner, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("fetch balance %s: %w", owner, err)
	}
	return resp.Value, nil
}

func (c *rpcChain) sendTransaction(ctx context.Context, instructions []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if signer.PublicKey().Equals(key) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.skipPreflight,
		PreflightCommitment: c.commitment,
	}
	if c.maxRetries != nil {
		retries := *c.maxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// confirmationTimeout bounds the post-send wait; past it the attempt counts
// as failed and the caller falls back to the paper ledger.
const confirmationTimeout = 45 * time.Second

func (c *rpcChain) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func isAccountNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
