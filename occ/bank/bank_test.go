package bank

import (
	"fmt"
	"math"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyocc/occ/access"
	"github.com/pingcap-incubator/tinyocc/occ/config"
	"github.com/pingcap-incubator/tinyocc/occ/engine"
	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

func newBankEngine(conf *config.Config) (*engine.Engine, *storage.MemStorage) {
	base := storage.NewMemStorage()
	reg := access.NewRegistry()
	e := engine.New(conf, base, reg)
	Register(e, reg)
	return e, base
}

func fund(base *storage.MemStorage, account string, amount uint64) {
	base.Set(access.Key(access.ResourceBankBalance, account), EncodeBalance(amount))
}

func mustBalance(t *testing.T, s storage.Store, account string) uint64 {
	n, err := Balance(s, account)
	require.NoError(t, err)
	return n
}

func TestDeclarations(t *testing.T) {
	ops, err := declareTransfer(TransferMsg{From: "ann", To: "bob", Amount: 5}, "ann")
	require.NoError(t, err)
	assert.Equal(t, []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: "ann"},
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: "bob"},
	}, ops)

	ops, err = declareMint(MintMsg{To: "bob", Amount: 5}, "faucet")
	require.NoError(t, err)
	assert.Equal(t, []access.Operation{
		{Resource: access.ResourceBankBalance, Kind: access.KindWrite, ID: "bob"},
		{Resource: access.ResourceBankSupply, Kind: access.KindWrite, ID: supplyID},
	}, ops)
}

func TestMintThenTransfer(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "faucet", Msgs: []access.Message{MintMsg{To: "ann", Amount: 1000}}},
		{Signer: "ann", Msgs: []access.Message{TransferMsg{From: "ann", To: "bob", Amount: 300}}},
		{Signer: "bob", Msgs: []access.Message{TransferMsg{From: "bob", To: "carol", Amount: 100}}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.CommittedCount())

	assert.Equal(t, uint64(700), mustBalance(t, base, "ann"))
	assert.Equal(t, uint64(200), mustBalance(t, base, "bob"))
	assert.Equal(t, uint64(100), mustBalance(t, base, "carol"))
	supply, err := Supply(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), supply)

	require.Equal(t, []engine.Event{{Type: "transfer", Attributes: map[string]string{
		"from": "ann", "to": "bob", "amount": "300",
	}}}, res.Txns[1].Events)
}

func TestInsufficientFunds(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())
	fund(base, "ann", 50)

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "ann", Msgs: []access.Message{TransferMsg{From: "ann", To: "bob", Amount: 100}}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, res.Txns[0].Status)

	cause, ok := errors.Cause(res.Txns[0].Err).(*ErrInsufficientFunds)
	require.True(t, ok, "got %v", res.Txns[0].Err)
	assert.Equal(t, "ann", cause.Account)
	assert.Equal(t, uint64(50), cause.Balance)

	assert.Equal(t, uint64(50), mustBalance(t, base, "ann"))
	assert.Equal(t, uint64(0), mustBalance(t, base, "bob"))
}

func TestSelfTransfer(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())
	fund(base, "ann", 100)

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "ann", Msgs: []access.Message{TransferMsg{From: "ann", To: "ann", Amount: 40}}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCommitted, res.Txns[0].Status)
	assert.Equal(t, uint64(100), mustBalance(t, base, "ann"))
}

func TestBurn(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "faucet", Msgs: []access.Message{MintMsg{To: "ann", Amount: 100}}},
		{Signer: "ann", Msgs: []access.Message{BurnMsg{From: "ann", Amount: 40}}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.CommittedCount())

	assert.Equal(t, uint64(60), mustBalance(t, base, "ann"))
	supply, err := Supply(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), supply)
	require.Equal(t, []engine.Event{{Type: "burn", Attributes: map[string]string{
		"from": "ann", "amount": "40",
	}}}, res.Txns[1].Events)

	// Burning more than the account holds fails and changes nothing.
	res, err = e.ExecuteBatch([]engine.Transaction{
		{Signer: "ann", Msgs: []access.Message{BurnMsg{From: "ann", Amount: 100}}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, res.Txns[0].Status)
	assert.IsType(t, &ErrInsufficientFunds{}, errors.Cause(res.Txns[0].Err))
	assert.Equal(t, uint64(60), mustBalance(t, base, "ann"))
}

func TestBurnUnbackedBalance(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())
	// Seeded directly, so the supply counter never saw these tokens.
	fund(base, "ann", 50)

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "ann", Msgs: []access.Message{BurnMsg{From: "ann", Amount: 10}}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, res.Txns[0].Status)
	assert.IsType(t, &ErrSupplyUnderflow{}, errors.Cause(res.Txns[0].Err))
	assert.Equal(t, uint64(50), mustBalance(t, base, "ann"))
}

func TestSupplyOverflow(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())
	base.Set(access.Key(access.ResourceBankSupply, supplyID), EncodeBalance(math.MaxUint64-5))

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "faucet", Msgs: []access.Message{MintMsg{To: "ann", Amount: 10}}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, res.Txns[0].Status)
	assert.IsType(t, &ErrSupplyOverflow{}, errors.Cause(res.Txns[0].Err))

	supply, err := Supply(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-5), supply)
	assert.Equal(t, uint64(0), mustBalance(t, base, "ann"))
}

func TestFeeAnte(t *testing.T) {
	e, base := newBankEngine(config.NewTestConfig())
	e.SetAnteHandler(FeeAnte{Collector: "fees", Fee: 5})
	fund(base, "ann", 100)

	res, err := e.ExecuteBatch([]engine.Transaction{
		{Signer: "ann", Msgs: []access.Message{TransferMsg{From: "ann", To: "bob", Amount: 50}}},
		{Signer: "broke", Msgs: []access.Message{TransferMsg{From: "bob", To: "ann", Amount: 1}}},
	})
	require.NoError(t, err)

	require.Equal(t, engine.StatusCommitted, res.Txns[0].Status)
	require.Equal(t, engine.StatusFailed, res.Txns[1].Status)
	assert.IsType(t, &ErrInsufficientFunds{}, errors.Cause(res.Txns[1].Err))

	assert.Equal(t, uint64(45), mustBalance(t, base, "ann"))
	assert.Equal(t, uint64(50), mustBalance(t, base, "bob"))
	assert.Equal(t, uint64(5), mustBalance(t, base, "fees"))
}

func balanceDump(t *testing.T, s storage.Store) map[string]uint64 {
	start, end := access.PrefixRange(access.ResourceBankBalance)
	it := s.Iter(start, end, false)
	defer it.Close()
	out := map[string]uint64{}
	for ; it.Valid(); it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		n, err := DecodeBalance(v)
		require.NoError(t, err)
		out[string(it.Key())] = n
	}
	return out
}

func TestParallelConvergence(t *testing.T) {
	accounts := []string{"ann", "bob", "carol", "dave", "erin", "frank"}
	var batch []engine.Transaction
	for i := 0; i < 20; i++ {
		from := accounts[i%6]
		to := accounts[(i+1+i%3)%6]
		batch = append(batch, engine.Transaction{
			Signer: from,
			Msgs:   []access.Message{TransferMsg{From: from, To: to, Amount: uint64(1 + i*7%23)}},
		})
	}
	batch = append(batch, engine.Transaction{
		Signer: "faucet",
		Msgs:   []access.Message{MintMsg{To: "bob", Amount: 500}},
	})
	seed := func(base *storage.MemStorage) {
		for _, a := range accounts {
			fund(base, a, 1000)
		}
	}

	seqEngine, seqBase := newBankEngine(config.NewTestConfig())
	seed(seqBase)
	want, err := seqEngine.ExecuteSequential(batch)
	require.NoError(t, err)
	require.Equal(t, len(batch), want.CommittedCount())
	wantBalances := balanceDump(t, seqBase)

	for _, workers := range []int{1, 4} {
		for _, eager := range []bool{true, false} {
			t.Run(fmt.Sprintf("workers=%d eager=%v", workers, eager), func(t *testing.T) {
				conf := config.NewTestConfig()
				conf.Workers = workers
				conf.Eager = eager
				e, base := newBankEngine(conf)
				seed(base)
				got, err := e.ExecuteBatch(batch)
				require.NoError(t, err)

				require.Equal(t, balanceDump(t, base), wantBalances)
				for i := range want.Txns {
					require.Equal(t, want.Txns[i].Status, got.Txns[i].Status, "txn %d", i)
				}

				// Transfers conserve tokens, so only the mint moves the total.
				var sum uint64
				for _, n := range balanceDump(t, base) {
					sum += n
				}
				assert.Equal(t, uint64(6*1000+500), sum)
				supply, err := Supply(base)
				require.NoError(t, err)
				assert.Equal(t, uint64(500), supply)
			})
		}
	}
}

func TestBalanceCodec(t *testing.T) {
	n, err := DecodeBalance(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	for _, v := range []uint64{0, 1, 255, 1 << 40, math.MaxUint64} {
		n, err := DecodeBalance(EncodeBalance(v))
		require.NoError(t, err)
		assert.Equal(t, v, n)
	}

	_, err = DecodeBalance([]byte("xyz"))
	require.Error(t, err)
	corrupt, ok := err.(*ErrCorruptBalance)
	require.True(t, ok)
	assert.Equal(t, 3, corrupt.Len)
}
