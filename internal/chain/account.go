// Package chain reads deployed programs from a Solana cluster and submits
// the transactions that record attestations.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned by fetchers for addresses with no account.
var ErrAccountNotFound = errors.New("account not found")

// AccountInfo is the subset of an account the reader needs.
type AccountInfo struct {
	Address    solana.PublicKey
	Owner      solana.PublicKey
	Executable bool
	Data       []byte
	// Slot is the slot the node observed the account at.
	Slot uint64
}

// AccountFetcher reads single accounts.
type AccountFetcher interface {
	FetchAccount(ctx context.Context, address solana.PublicKey) (AccountInfo, error)
}

// TransactionSender signs and submits instructions paid for by signer.
type TransactionSender interface {
	SendInstructions(ctx context.Context, signer solana.PrivateKey, instructions ...solana.Instruction) (solana.Signature, error)
}
