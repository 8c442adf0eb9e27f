package chain

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// AccountMeta names one account an instruction touches.
type AccountMeta struct {
	Address  string
	Signer   bool
	Writable bool
}

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// BuildTransaction assembles and signs a legacy-format transaction. The
// payer signs first; extraSigners co-sign in order (position keypairs).
func BuildTransaction(payer *Wallet, blockhash string, instructions []Instruction, extraSigners ...*Wallet) (string, error) {
	msg, signerCount, err := compileMessage(payer, blockhash, instructions, extraSigners)
	if err != nil {
		return "", fmt.Errorf("chain.BuildTransaction: %w", err)
	}

	var tx bytes.Buffer
	writeCompactU16(&tx, signerCount)
	tx.Write(payer.SignMessage(msg))
	for _, s := range extraSigners {
		tx.Write(s.SignMessage(msg))
	}
	tx.Write(msg)

	return base64.StdEncoding.EncodeToString(tx.Bytes()), nil
}

// compileMessage builds the message bytes: header, account table, blockhash,
// compiled instructions. Account ordering is signers-writable first, then
// readonly signers, writable non-signers, readonly non-signers.
func compileMessage(payer *Wallet, blockhash string, instructions []Instruction, extraSigners []*Wallet) ([]byte, int, error) {
	type accountFlags struct {
		signer   bool
		writable bool
	}
	flags := map[string]*accountFlags{
		payer.Address(): {signer: true, writable: true},
	}
	order := []string{payer.Address()}

	upsert := func(addr string, signer, writable bool) {
		f, ok := flags[addr]
		if !ok {
			f = &accountFlags{}
			flags[addr] = f
			order = append(order, addr)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}

	for _, s := range extraSigners {
		upsert(s.Address(), true, true)
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			upsert(acc.Address, acc.Signer, acc.Writable)
		}
		upsert(ix.ProgramID, false, false)
	}

	// Stable partition preserving first-seen order within each class.
	var keys []string
	for _, pass := range []func(accountFlags) bool{
		func(f accountFlags) bool { return f.signer && f.writable },
		func(f accountFlags) bool { return f.signer && !f.writable },
		func(f accountFlags) bool { return !f.signer && f.writable },
		func(f accountFlags) bool { return !f.signer && !f.writable },
	} {
		for _, addr := range order {
			if pass(*flags[addr]) {
				keys = append(keys, addr)
			}
		}
	}

	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	numSigners, numReadonlySigned, numReadonlyUnsigned := 0, 0, 0
	for _, k := range keys {
		f := flags[k]
		if f.signer {
			numSigners++
			if !f.writable {
				numReadonlySigned++
			}
		} else if !f.writable {
			numReadonlyUnsigned++
		}
	}

	var msg bytes.Buffer
	msg.WriteByte(byte(numSigners))
	msg.WriteByte(byte(numReadonlySigned))
	msg.WriteByte(byte(numReadonlyUnsigned))

	writeCompactU16(&msg, len(keys))
	for _, k := range keys {
		raw, err := base58.Decode(k)
		if err != nil || len(raw) != 32 {
			return nil, 0, fmt.Errorf("bad account address %q", k)
		}
		msg.Write(raw)
	}

	hash, err := base58.Decode(blockhash)
	if err != nil || len(hash) != 32 {
		return nil, 0, fmt.Errorf("bad blockhash %q", blockhash)
	}
	msg.Write(hash)

	writeCompactU16(&msg, len(instructions))
	for _, ix := range instructions {
		msg.WriteByte(byte(index[ix.ProgramID]))
		writeCompactU16(&msg, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			msg.WriteByte(byte(index[acc.Address]))
		}
		writeCompactU16(&msg, len(ix.Data))
		msg.Write(ix.Data)
	}

	return msg.Bytes(), numSigners, nil
}

// writeCompactU16 encodes the shortvec length prefix.
func writeCompactU16(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

// ComputeBudget program helpers. Every sub-transaction of a close carries a
// priority fee so it lands under congestion.
const computeBudgetProgram = "ComputeBudget111111111111111111111111111111"

// ComputeUnitPriceInstruction sets the priority fee in micro-lamports per
// compute unit.
func ComputeUnitPriceInstruction(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: computeBudgetProgram, Data: data}
}
