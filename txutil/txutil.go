// Package txutil decodes solana wire transactions and extracts the parts the bundle stage needs:
// account metas, resolved instructions and system transfers.
package txutil

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"
)

// PacketDataSize is the maximum size of a serialized transaction.
const PacketDataSize = 1232

var (
	ErrTransactionTooLarge  = errors.New("transaction exceeds packet size")
	ErrTrailingBytes        = errors.New("trailing bytes after transaction")
	ErrMissingSignature     = errors.New("transaction has no signatures")
	ErrAccountIndex         = errors.New("account index out of range")
	ErrDuplicateAccountKey  = errors.New("duplicate account key")
	ErrAddressLookupTables  = errors.New("address lookup tables are not supported")
	ErrUnsupportedEncoding  = errors.New("unsupported encoding")
	ErrTooManyAccountKeys   = errors.New("too many account keys")
	ErrInvalidMessageHeader = errors.New("invalid message header")
)

// MaxAccountKeys is the account limit of a legacy message.
const MaxAccountKeys = 64

type Encoding string

const (
	EncodingBase58 Encoding = "base58"
	EncodingBase64 Encoding = "base64"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingBase58:
		return EncodingBase58, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEncoding, s)
	}
}

func DecodeString(s string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58, "":
		return base58.Decode(s)
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

func EncodeToString(raw []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58, "":
		return base58.Encode(raw), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// DecodeTransaction decodes the wire format of a transaction and checks that its message is well formed.
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	if len(raw) > PacketDataSize {
		return nil, ErrTransactionTooLarge
	}
	decoder := bin.NewBinDecoder(raw)
	tx, err := solana.TransactionFromDecoder(decoder)
	if err != nil {
		return nil, err
	}
	if decoder.HasRemaining() {
		return nil, ErrTrailingBytes
	}
	if len(tx.Signatures) == 0 {
		return nil, ErrMissingSignature
	}
	if _, err := AccountMetas(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// AccountMetas returns the signer and writable flags of every static account key of tx, in key order.
func AccountMetas(tx *solana.Transaction) ([]*solana.AccountMeta, error) {
	msg := &tx.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, ErrAddressLookupTables
	}
	keys := msg.AccountKeys
	if len(keys) > MaxAccountKeys {
		return nil, ErrTooManyAccountKeys
	}

	header := msg.Header
	numSigners := int(header.NumRequiredSignatures)
	roSigned := int(header.NumReadonlySignedAccounts)
	roUnsigned := int(header.NumReadonlyUnsignedAccounts)
	if numSigners == 0 || numSigners > len(keys) || roSigned >= numSigners || roUnsigned > len(keys)-numSigners {
		return nil, ErrInvalidMessageHeader
	}

	seen := make(map[solana.PublicKey]struct{}, len(keys))
	metas := make([]*solana.AccountMeta, len(keys))
	for i, key := range keys {
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccountKey, key)
		}
		seen[key] = struct{}{}

		signer := i < numSigners
		var writable bool
		if signer {
			writable = i < numSigners-roSigned
		} else {
			writable = i < len(keys)-roUnsigned
		}
		metas[i] = &solana.AccountMeta{PublicKey: key, IsSigner: signer, IsWritable: writable}
	}
	return metas, nil
}

// Instruction is a compiled instruction with its program and accounts resolved.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []*solana.AccountMeta
	Data      []byte
}

func Instructions(tx *solana.Transaction) ([]Instruction, error) {
	metas, err := AccountMetas(tx)
	if err != nil {
		return nil, err
	}
	res := make([]Instruction, 0, len(tx.Message.Instructions))
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(metas) {
			return nil, ErrAccountIndex
		}
		accounts := make([]*solana.AccountMeta, len(inst.Accounts))
		for i, idx := range inst.Accounts {
			if int(idx) >= len(metas) {
				return nil, ErrAccountIndex
			}
			accounts[i] = metas[idx]
		}
		res = append(res, Instruction{
			ProgramID: metas[inst.ProgramIDIndex].PublicKey,
			Accounts:  accounts,
			Data:      inst.Data,
		})
	}
	return res, nil
}

type Transfer struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Lamports uint64
}

// SystemTransfers returns the system program transfers of tx in instruction order.
// Other system instructions and other programs are ignored.
func SystemTransfers(tx *solana.Transaction) ([]Transfer, error) {
	instructions, err := Instructions(tx)
	if err != nil {
		return nil, err
	}
	var transfers []Transfer
	for _, inst := range instructions {
		if !inst.ProgramID.Equals(solana.SystemProgramID) {
			continue
		}
		transfer, ok, err := DecodeTransfer(inst)
		if err != nil {
			return nil, err
		}
		if ok {
			transfers = append(transfers, transfer)
		}
	}
	return transfers, nil
}

// DecodeTransfer decodes a system program instruction, ok is false for anything but a transfer.
func DecodeTransfer(inst Instruction) (transfer Transfer, ok bool, err error) {
	decoded, err := system.DecodeInstruction(inst.Accounts, inst.Data)
	if err != nil {
		return Transfer{}, false, err
	}
	impl, isTransfer := decoded.Impl.(*system.Transfer)
	if !isTransfer || impl.Lamports == nil {
		return Transfer{}, false, nil
	}
	// funding account, recipient account
	if len(inst.Accounts) < 2 {
		return Transfer{}, false, ErrAccountIndex
	}
	return Transfer{
		From:     inst.Accounts[0].PublicKey,
		To:       inst.Accounts[1].PublicKey,
		Lamports: *impl.Lamports,
	}, true, nil
}

// LockedAccounts splits the static account keys of tx into write and read locks.
func LockedAccounts(tx *solana.Transaction) (writable, readonly []solana.PublicKey, err error) {
	metas, err := AccountMetas(tx)
	if err != nil {
		return nil, nil, err
	}
	for _, meta := range metas {
		if meta.IsWritable {
			writable = append(writable, meta.PublicKey)
		} else {
			readonly = append(readonly, meta.PublicKey)
		}
	}
	return writable, readonly, nil
}
