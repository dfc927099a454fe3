// Package bank is a token ledger state machine built on the execution engine.
// It keeps one balance per account and a total supply, and serves as the
// reference module for how declarers, handlers and the ante handler fit
// together. Balances are stored as fixed-width big-endian integers so they
// sort and diff cleanly in store dumps.
package bank

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pingcap-incubator/tinyocc/occ/access"
	"github.com/pingcap-incubator/tinyocc/occ/engine"
	"github.com/pingcap-incubator/tinyocc/occ/mvstore"
	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

// supplyID is the single identifier within the supply resource. The supply is
// one global counter, but it still lives behind a declared operation so that
// minting serializes against other mints.
const supplyID = "total"

// TransferMsg moves tokens between two accounts.
type TransferMsg struct {
	From   string
	To     string
	Amount uint64
}

func (TransferMsg) Type() string { return "bank/transfer" }

// MintMsg creates new tokens in an account and grows the total supply.
type MintMsg struct {
	To     string
	Amount uint64
}

func (MintMsg) Type() string { return "bank/mint" }

// BurnMsg destroys tokens held by an account and shrinks the total supply.
type BurnMsg struct {
	From   string
	Amount uint64
}

func (BurnMsg) Type() string { return "bank/burn" }

// Register wires the bank message types into an engine and its declarer
// registry. Call once at startup.
func Register(e *engine.Engine, reg *access.Registry) {
	reg.Register(TransferMsg{}.Type(), access.DeclarerFunc(declareTransfer))
	e.RegisterHandler(TransferMsg{}.Type(), engine.HandlerFunc(handleTransfer))
	reg.Register(MintMsg{}.Type(), access.DeclarerFunc(declareMint))
	e.RegisterHandler(MintMsg{}.Type(), engine.HandlerFunc(handleMint))
	reg.Register(BurnMsg{}.Type(), access.DeclarerFunc(declareBurn))
	e.RegisterHandler(BurnMsg{}.Type(), engine.HandlerFunc(handleBurn))
}

// A transfer reads and writes both balances, so both are declared WRITE. The
// sender check alone reads From, but a READ declaration would miss the
// debiting write.
func declareTransfer(msg access.Message, signer string) ([]access.Operation, error) {
	m := msg.(TransferMsg)
	return []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: m.From},
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: m.To},
	}, nil
}

func declareMint(msg access.Message, signer string) ([]access.Operation, error) {
	m := msg.(MintMsg)
	return []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: m.To},
		{Resource: access.ResourceBankSupply, Kind: access.KindWrite, ID: supplyID},
	}, nil
}

func declareBurn(msg access.Message, signer string) ([]access.Operation, error) {
	m := msg.(BurnMsg)
	return []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: m.From},
		{Resource: access.ResourceBankSupply, Kind: access.KindWrite, ID: supplyID},
	}, nil
}

func handleTransfer(txn *mvstore.Txn, msg access.Message, signer string) ([]engine.Event, error) {
	m := msg.(TransferMsg)
	fromKey := access.Key(access.ResourceBankBalance, m.From)
	fromBal, err := getBalance(txn, fromKey)
	if err != nil {
		return nil, err
	}
	if fromBal < m.Amount {
		return nil, &ErrInsufficientFunds{Account: m.From, Balance: fromBal, Amount: m.Amount}
	}
	txn.Put(fromKey, EncodeBalance(fromBal-m.Amount))

	// When From == To this reads the debited balance back out of the write
	// buffer, so crediting nets to a no-op as it should.
	toKey := access.Key(access.ResourceBankBalance, m.To)
	toBal, err := getBalance(txn, toKey)
	if err != nil {
		return nil, err
	}
	txn.Put(toKey, EncodeBalance(toBal+m.Amount))

	return []engine.Event{{Type: "transfer", Attributes: map[string]string{
		"from":   m.From,
		"to":     m.To,
		"amount": strconv.FormatUint(m.Amount, 10),
	}}}, nil
}

func handleMint(txn *mvstore.Txn, msg access.Message, signer string) ([]engine.Event, error) {
	m := msg.(MintMsg)
	supplyKey := access.Key(access.ResourceBankSupply, supplyID)
	supply, err := getBalance(txn, supplyKey)
	if err != nil {
		return nil, err
	}
	if supply+m.Amount < supply {
		return nil, &ErrSupplyOverflow{Supply: supply, Amount: m.Amount}
	}
	txn.Put(supplyKey, EncodeBalance(supply+m.Amount))

	toKey := access.Key(access.ResourceBankBalance, m.To)
	toBal, err := getBalance(txn, toKey)
	if err != nil {
		return nil, err
	}
	txn.Put(toKey, EncodeBalance(toBal+m.Amount))

	return []engine.Event{{Type: "mint", Attributes: map[string]string{
		"to":     m.To,
		"amount": strconv.FormatUint(m.Amount, 10),
	}}}, nil
}

func handleBurn(txn *mvstore.Txn, msg access.Message, signer string) ([]engine.Event, error) {
	m := msg.(BurnMsg)
	fromKey := access.Key(access.ResourceBankBalance, m.From)
	fromBal, err := getBalance(txn, fromKey)
	if err != nil {
		return nil, err
	}
	if fromBal < m.Amount {
		return nil, &ErrInsufficientFunds{Account: m.From, Balance: fromBal, Amount: m.Amount}
	}
	txn.Put(fromKey, EncodeBalance(fromBal-m.Amount))

	supplyKey := access.Key(access.ResourceBankSupply, supplyID)
	supply, err := getBalance(txn, supplyKey)
	if err != nil {
		return nil, err
	}
	// A balance not backed by supply means the store was seeded directly.
	if supply < m.Amount {
		return nil, &ErrSupplyUnderflow{Supply: supply, Amount: m.Amount}
	}
	txn.Put(supplyKey, EncodeBalance(supply-m.Amount))

	return []engine.Event{{Type: "burn", Attributes: map[string]string{
		"from":   m.From,
		"amount": strconv.FormatUint(m.Amount, 10),
	}}}, nil
}

// FeeAnte charges a flat fee from every transaction's signer and credits it to
// a collector account. It implements engine.AnteHandler.
type FeeAnte struct {
	Collector string
	Fee       uint64
}

func (a FeeAnte) DeclareOps(tx engine.Transaction) ([]access.Operation, error) {
	return []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: tx.Signer},
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: a.Collector},
	}, nil
}

func (a FeeAnte) Handle(txn *mvstore.Txn, tx engine.Transaction) error {
	signerKey := access.Key(access.ResourceBankBalance, tx.Signer)
	bal, err := getBalance(txn, signerKey)
	if err != nil {
		return err
	}
	if bal < a.Fee {
		return &ErrInsufficientFunds{Account: tx.Signer, Balance: bal, Amount: a.Fee}
	}
	txn.Put(signerKey, EncodeBalance(bal-a.Fee))

	collectorKey := access.Key(access.ResourceBankBalance, a.Collector)
	collected, err := getBalance(txn, collectorKey)
	if err != nil {
		return err
	}
	txn.Put(collectorKey, EncodeBalance(collected+a.Fee))
	return nil
}

func getBalance(txn *mvstore.Txn, key []byte) (uint64, error) {
	v, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	return DecodeBalance(v)
}

// EncodeBalance encodes an amount as 8 big-endian bytes.
func EncodeBalance(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// DecodeBalance decodes a stored balance. An absent value decodes as zero so
// accounts need no explicit creation.
func DecodeBalance(v []byte) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, &ErrCorruptBalance{Len: len(v)}
	}
	return binary.BigEndian.Uint64(v), nil
}

// Balance reads an account balance from the base store, outside any batch.
func Balance(store storage.Store, account string) (uint64, error) {
	v, err := store.Get(access.Key(access.ResourceBankBalance, account))
	if err != nil {
		return 0, err
	}
	return DecodeBalance(v)
}

// Supply reads the total supply from the base store, outside any batch.
func Supply(store storage.Store) (uint64, error) {
	v, err := store.Get(access.Key(access.ResourceBankSupply, supplyID))
	if err != nil {
		return 0, err
	}
	return DecodeBalance(v)
}

type ErrInsufficientFunds struct {
	Account string
	Balance uint64
	Amount  uint64
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("account %s has %d, needs %d", e.Account, e.Balance, e.Amount)
}

type ErrSupplyOverflow struct {
	Supply uint64
	Amount uint64
}

func (e *ErrSupplyOverflow) Error() string {
	return fmt.Sprintf("minting %d would overflow supply %d", e.Amount, e.Supply)
}

type ErrSupplyUnderflow struct {
	Supply uint64
	Amount uint64
}

func (e *ErrSupplyUnderflow) Error() string {
	return fmt.Sprintf("burning %d exceeds supply %d", e.Amount, e.Supply)
}

type ErrCorruptBalance struct {
	Len int
}

func (e *ErrCorruptBalance) Error() string {
	return fmt.Sprintf("balance value has %d bytes, want 8", e.Len)
}
