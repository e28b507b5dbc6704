package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Loader program ids that own executable programs.
var (
	UpgradeableLoaderID = solana.BPFLoaderUpgradeableProgramID
	LoaderV2ID          = solana.BPFLoaderProgramID
	LoaderV1ID          = solana.BPFLoaderDeprecatedProgramID
)

// LoaderKind tells where a program's bytes live.
type LoaderKind string

const (
	// Upgradeable programs keep their bytes in a separate ProgramData account.
	Upgradeable LoaderKind = "upgradeable"
	// Direct programs keep their bytes in the program account itself.
	Direct LoaderKind = "direct"
)

const (
	programAccountTag = 2
	programDataTag    = 3

	programAccountSize = 4 + 32
	// ProgramDataHeaderSize is the fixed offset of the executable inside a
	// ProgramData account: tag (4), slot (8), optional authority (1 + 32).
	ProgramDataHeaderSize = 4 + 8 + 1 + 32
)

// ProgramAccount is the decoded state of a program's own account.
type ProgramAccount struct {
	Kind LoaderKind
	// ProgramDataAddress is set for upgradeable programs only.
	ProgramDataAddress solana.PublicKey
}

// DecodeProgramAccount classifies a program account by its owner and, for the
// upgradeable loader, decodes the ProgramData address it points at.
func DecodeProgramAccount(account AccountInfo) (ProgramAccount, error) {
	switch {
	case account.Owner.Equals(UpgradeableLoaderID):
		if len(account.Data) < programAccountSize {
			return ProgramAccount{}, fmt.Errorf("program account is %d bytes, want at least %d", len(account.Data), programAccountSize)
		}
		if tag := binary.LittleEndian.Uint32(account.Data[:4]); tag != programAccountTag {
			return ProgramAccount{}, fmt.Errorf("account state tag %d is not a program", tag)
		}
		return ProgramAccount{
			Kind:               Upgradeable,
			ProgramDataAddress: solana.PublicKeyFromBytes(account.Data[4:programAccountSize]),
		}, nil
	case account.Owner.Equals(LoaderV2ID), account.Owner.Equals(LoaderV1ID):
		return ProgramAccount{Kind: Direct}, nil
	default:
		return ProgramAccount{}, fmt.Errorf("account is owned by %s, not a BPF loader", account.Owner)
	}
}

// ProgramDataAddress derives the ProgramData address of an upgradeable program.
func ProgramDataAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{programID.Bytes()}, UpgradeableLoaderID)
	return address, err
}

// ExtractProgramData returns the executable stored in a ProgramData account
// and the slot it was last deployed at. The executable keeps the account's
// zero padding.
func ExtractProgramData(data []byte) ([]byte, uint64, error) {
	if len(data) < ProgramDataHeaderSize {
		return nil, 0, fmt.Errorf("program data account is %d bytes, shorter than its %d byte header", len(data), ProgramDataHeaderSize)
	}
	if tag := binary.LittleEndian.Uint32(data[:4]); tag != programDataTag {
		return nil, 0, fmt.Errorf("account state tag %d is not program data", tag)
	}
	slot := binary.LittleEndian.Uint64(data[4:12])
	return data[ProgramDataHeaderSize:], slot, nil
}
