package verify

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cochaviz/sbfverify/internal/apperr"
	"github.com/cochaviz/sbfverify/internal/chain"
	"github.com/cochaviz/sbfverify/internal/digest"
)

// DefaultRegistry is the attestation registry program on public clusters.
const DefaultRegistry = "verifycLy8mB96wd9wqq3WDXQwM4oU6r42Th37Db9fC"

// AttestationSize is the length of an encoded attestation record.
const AttestationSize = 8 + 32 + 32 + 32 + 8 + 8

var (
	attestationSeed          = []byte("attest")
	attestationDiscriminator = discriminator("account:Attestation")
	attestInstruction        = discriminator("global:attest")
)

func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte(name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// Attestation asserts that Signer rebuilt ProgramID and found Digest deployed
// at Slot.
type Attestation struct {
	Signer    solana.PublicKey `json:"signer"`
	ProgramID solana.PublicKey `json:"program_id"`
	Digest    digest.Digest    `json:"digest"`
	Slot      uint64           `json:"slot"`
	Timestamp time.Time        `json:"timestamp"`
}

// MarshalBinary encodes the on-chain record layout.
func (a Attestation) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, AttestationSize)
	out = append(out, attestationDiscriminator[:]...)
	out = append(out, a.ProgramID.Bytes()...)
	out = append(out, a.Digest[:]...)
	out = append(out, a.Signer.Bytes()...)
	out = binary.LittleEndian.AppendUint64(out, a.Slot)
	out = binary.LittleEndian.AppendUint64(out, uint64(a.Timestamp.Unix()))
	return out, nil
}

// UnmarshalBinary decodes a record written by the registry program.
func (a *Attestation) UnmarshalBinary(data []byte) error {
	if len(data) < AttestationSize {
		return fmt.Errorf("attestation record is %d bytes, want %d", len(data), AttestationSize)
	}
	if [8]byte(data[:8]) != attestationDiscriminator {
		return errors.New("account is not an attestation record")
	}
	a.ProgramID = solana.PublicKeyFromBytes(data[8:40])
	a.Digest = digest.Digest(data[40:72])
	a.Signer = solana.PublicKeyFromBytes(data[72:104])
	a.Slot = binary.LittleEndian.Uint64(data[104:112])
	a.Timestamp = time.Unix(int64(binary.LittleEndian.Uint64(data[112:120])), 0).UTC()
	return nil
}

// AttestationAddress derives where the registry keeps the attestation of
// programID by signer.
func AttestationAddress(registry, programID, signer solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{attestationSeed, programID.Bytes(), signer.Bytes()}, registry)
	return address, err
}

// ReceiptStatus tells whether a transaction was sent.
type ReceiptStatus string

const (
	AttestationWritten ReceiptStatus = "written"
	AttestationSkipped ReceiptStatus = "skipped"
)

// AttestationReceipt reports the outcome of Attestor.Write.
type AttestationReceipt struct {
	Status      ReceiptStatus    `json:"status"`
	Address     solana.PublicKey `json:"address"`
	Signature   string           `json:"signature,omitempty"`
	Attestation Attestation      `json:"attestation"`
}

// Attestor publishes attestations to the registry program.
type Attestor struct {
	Registry solana.PublicKey
	Fetcher  chain.AccountFetcher
	Sender   chain.TransactionSender
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Write records a verified result for program. Results other than verified
// are refused. When the registry already holds the same digest from signer,
// nothing is sent.
func (a *Attestor) Write(ctx context.Context, result Result, program chain.OnChainProgram, signer solana.PrivateKey) (AttestationReceipt, error) {
	const op = "write attestation"

	if !result.Verified() {
		return AttestationReceipt{}, apperr.Errorf(apperr.KindConfig, apperr.DetailNotAttestable, op,
			"only verified results can be attested, got %s", result.Status)
	}
	if *result.Digest != program.DeployedDigest {
		return AttestationReceipt{}, apperr.Errorf(apperr.KindInternal, apperr.DetailNotAttestable, op,
			"result digest %s does not match deployed digest %s", result.Digest, program.DeployedDigest)
	}
	if a.Fetcher == nil || a.Sender == nil || a.Registry.IsZero() {
		return AttestationReceipt{}, apperr.Errorf(apperr.KindInternal, "", op, "attestor is not configured")
	}

	signerKey := signer.PublicKey()
	address, err := AttestationAddress(a.Registry, program.ProgramID, signerKey)
	if err != nil {
		return AttestationReceipt{}, apperr.New(apperr.KindInternal, "", op, err)
	}
	logger := a.logger().With("program_id", program.ProgramID.String(), "signer", signerKey.String(), "address", address.String())

	record := Attestation{
		Signer:    signerKey,
		ProgramID: program.ProgramID,
		Digest:    *result.Digest,
		Slot:      program.SlotObserved,
		Timestamp: a.now().UTC().Truncate(time.Second),
	}

	existing, found, err := a.current(ctx, address)
	if err != nil {
		return AttestationReceipt{}, apperr.New(apperr.KindChainRead, apperr.DetailRPC, op, err)
	}
	if found && existing.Digest == record.Digest {
		logger.Info("attestation already current", "digest", record.Digest.String(), "slot", existing.Slot)
		return AttestationReceipt{Status: AttestationSkipped, Address: address, Attestation: existing}, nil
	}

	data := make([]byte, 0, 8+digest.Size+8)
	data = append(data, attestInstruction[:]...)
	data = append(data, record.Digest[:]...)
	data = binary.LittleEndian.AppendUint64(data, record.Slot)

	instruction := solana.NewInstruction(a.Registry, solana.AccountMetaSlice{
		solana.NewAccountMeta(address, true, false),
		solana.NewAccountMeta(signerKey, true, true),
		solana.NewAccountMeta(program.ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)

	signature, err := a.Sender.SendInstructions(ctx, signer, instruction)
	if err != nil {
		if ctx.Err() != nil {
			return AttestationReceipt{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return AttestationReceipt{}, apperr.New(apperr.KindChainRead, apperr.DetailRPC, op, fmt.Errorf("send transaction: %w", err))
	}

	logger.Info("attestation written", "digest", record.Digest.String(), "signature", signature.String())
	return AttestationReceipt{
		Status:      AttestationWritten,
		Address:     address,
		Signature:   signature.String(),
		Attestation: record,
	}, nil
}

// current reads the attestation at address. A missing or undecodable account
// is reported as not found so that a fresh record is written.
func (a *Attestor) current(ctx context.Context, address solana.PublicKey) (Attestation, bool, error) {
	account, err := a.Fetcher.FetchAccount(ctx, address)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return Attestation{}, false, nil
	}
	if err != nil {
		return Attestation{}, false, err
	}
	var existing Attestation
	if err := existing.UnmarshalBinary(account.Data); err != nil {
		a.logger().Warn("ignoring unreadable attestation account", "address", address.String(), "error", err)
		return Attestation{}, false, nil
	}
	return existing, true, nil
}

func (a *Attestor) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func (a *Attestor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
