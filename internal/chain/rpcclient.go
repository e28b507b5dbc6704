package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	_ AccountFetcher    = (*RPCClient)(nil)
	_ TransactionSender = (*RPCClient)(nil)
)

// RPCClient adapts the JSON-RPC client to the fetcher and sender interfaces.
type RPCClient struct {
	client     *rpc.Client
	Commitment rpc.CommitmentType
}

// NewRPCClient connects to a JSON-RPC endpoint. Reads use confirmed
// commitment unless Commitment is changed.
func NewRPCClient(endpoint string) *RPCClient {
	return &RPCClient{client: rpc.New(endpoint), Commitment: rpc.CommitmentConfirmed}
}

func (c *RPCClient) FetchAccount(ctx context.Context, address solana.PublicKey) (AccountInfo, error) {
	out, err := c.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.Commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return AccountInfo{}, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
		}
		return AccountInfo{}, err
	}

	info := AccountInfo{
		Address:    address,
		Owner:      out.Value.Owner,
		Executable: out.Value.Executable,
		Slot:       out.Context.Slot,
	}
	if out.Value.Data != nil {
		info.Data = out.Value.Data.GetBinary()
	}
	return info, nil
}

// SendInstructions builds a transaction paid for by signer, signs it and
// submits it with preflight checks enabled.
func (c *RPCClient) SendInstructions(ctx context.Context, signer solana.PrivateKey, instructions ...solana.Instruction) (solana.Signature, error) {
	latest, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return solana.Signature{}, errors.New("get latest blockhash: empty response")
	}

	payer := signer.PublicKey()
	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	return c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.Commitment,
	})
}

// Close releases the underlying HTTP client.
func (c *RPCClient) Close() error {
	return c.client.Close()
}
