package ledger

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"reliefchain/core/types"
	"reliefchain/native/common"
	"reliefchain/state"
	"reliefchain/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	l.SetState(state.NewManager(storage.NewMemDB()))
	l.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return l
}

func mustBalance(t *testing.T, l *Ledger, addr string) *big.Int {
	t.Helper()
	balance, err := l.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance of %s: %v", addr, err)
	}
	return balance
}

func TestMintCreditsRecipient(t *testing.T) {
	l := newTestLedger(t)
	receipt, err := l.Mint("treasury-1", big.NewInt(50_000), TxIntent{RequestID: "req-1", Memo: "initial funding"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if receipt.Replayed {
		t.Fatal("fresh mint reported as replay")
	}
	if got := mustBalance(t, l, "treasury-1"); got.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("balance = %s, want 50000", got)
	}
	supply, err := l.TotalSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("supply = %s, want 50000", supply)
	}
	tx, ok, err := l.GetTransaction(receipt.TxID)
	if err != nil || !ok {
		t.Fatalf("tx lookup: ok=%v err=%v", ok, err)
	}
	if tx.Status != types.TxStatusConfirmed {
		t.Fatalf("tx status = %s, want confirmed", tx.Status)
	}
}

func TestMintValidation(t *testing.T) {
	l := newTestLedger(t)
	cases := []struct {
		name   string
		to     string
		amount *big.Int
		intent TxIntent
		want   error
	}{
		{"zero amount", "a", big.NewInt(0), TxIntent{RequestID: "r1"}, ErrInvalidAmount},
		{"negative amount", "a", big.NewInt(-5), TxIntent{RequestID: "r2"}, ErrInvalidAmount},
		{"nil amount", "a", nil, TxIntent{RequestID: "r3"}, ErrInvalidAmount},
		{"zero address", "0x0000000000000000000000000000000000000000", big.NewInt(10), TxIntent{RequestID: "r4"}, ErrZeroAddress},
		{"empty address", "", big.NewInt(10), TxIntent{RequestID: "r5"}, ErrZeroAddress},
		{"missing request id", "a", big.NewInt(10), TxIntent{}, ErrRequestIDRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Mint(tc.to, tc.amount, tc.intent); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBurnInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Mint("holder", big.NewInt(100), TxIntent{RequestID: "m1"}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := l.Burn("holder", big.NewInt(200), TxIntent{RequestID: "b1"}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := mustBalance(t, l, "holder"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance mutated on failed burn: %s", got)
	}
	supply, _ := l.TotalSupply()
	if supply.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("supply mutated on failed burn: %s", supply)
	}
}

func TestTransferConservesSupply(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Mint("alice", big.NewInt(1_000), TxIntent{RequestID: "m1"}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := l.Transfer("alice", "bob", big.NewInt(400), TxIntent{RequestID: "t1"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := mustBalance(t, l, "alice"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("alice = %s, want 600", got)
	}
	if got := mustBalance(t, l, "bob"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("bob = %s, want 400", got)
	}
	supply, _ := l.TotalSupply()
	if supply.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("supply = %s, want 1000", supply)
	}
}

func TestTransferRejections(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Mint("alice", big.NewInt(100), TxIntent{RequestID: "m1"}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := l.Transfer("alice", "alice", big.NewInt(10), TxIntent{RequestID: "t1"}); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("self transfer err = %v", err)
	}
	if _, err := l.Transfer("alice", "0x0", big.NewInt(10), TxIntent{RequestID: "t2"}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("zero address err = %v", err)
	}
	if _, err := l.Transfer("alice", "bob", big.NewInt(500), TxIntent{RequestID: "t3"}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("insufficient err = %v", err)
	}
	if got := mustBalance(t, l, "bob"); got.Sign() != 0 {
		t.Fatalf("bob credited on failed transfer: %s", got)
	}
}

func TestIdempotentReplay(t *testing.T) {
	l := newTestLedger(t)
	first, err := l.Mint("alice", big.NewInt(250), TxIntent{RequestID: "mint-once"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := 0; i < 3; i++ {
		replay, err := l.Mint("alice", big.NewInt(250), TxIntent{RequestID: "mint-once"})
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !replay.Replayed {
			t.Fatalf("replay %d not marked as replayed", i)
		}
		if replay.TxID != first.TxID {
			t.Fatalf("replay tx id %s, want %s", replay.TxID, first.TxID)
		}
	}
	if got := mustBalance(t, l, "alice"); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("replays re-applied effects: balance %s", got)
	}

	if _, err := l.Transfer("alice", "bob", big.NewInt(100), TxIntent{RequestID: "xfer-once"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := l.Transfer("alice", "bob", big.NewInt(100), TxIntent{RequestID: "xfer-once"}); err != nil {
		t.Fatalf("transfer replay: %v", err)
	}
	if got := mustBalance(t, l, "alice"); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("transfer replay re-applied: alice %s", got)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	l := newTestLedger(t)
	l.SetLockTable(common.NewLockTable(5 * time.Second))
	if _, err := l.Mint("hub", big.NewInt(10), TxIntent{RequestID: "m1"}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rid := "spend-" + string(rune('a'+n%26)) + string(rune('a'+n/26))
			_, err := l.Transfer("hub", "sink", big.NewInt(1), TxIntent{RequestID: rid})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, common.ErrBusy) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded > 10 {
		t.Fatalf("%d transfers succeeded with balance 10", succeeded)
	}
	if got := mustBalance(t, l, "hub"); got.Sign() < 0 {
		t.Fatalf("hub overdrawn: %s", got)
	}
	sink := mustBalance(t, l, "sink")
	total := new(big.Int).Add(sink, mustBalance(t, l, "hub"))
	if total.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("conservation violated: hub+sink = %s", total)
	}
}

// commitFailDB lets a test reject the atomic commit while leaving single-key
// reads and writes working.
type commitFailDB struct {
	*storage.MemDB
	fail bool
}

func (db *commitFailDB) WriteBatch(ops []storage.BatchOp) error {
	if db.fail {
		return errors.New("disk full")
	}
	return db.MemDB.WriteBatch(ops)
}

func TestTransferCommitFailureLeavesNoPartialState(t *testing.T) {
	db := &commitFailDB{MemDB: storage.NewMemDB()}
	l := NewLedger()
	l.SetState(state.NewManager(db))
	if _, err := l.Mint("ben", big.NewInt(1_000), TxIntent{RequestID: "seed"}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	db.fail = true
	if _, err := l.Transfer("ben", "mer", big.NewInt(400), TxIntent{RequestID: "xfer-1"}); err == nil {
		t.Fatal("transfer succeeded through failing backend")
	}
	db.fail = false

	if got := mustBalance(t, l, "ben"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("sender balance = %s, want 1000", got)
	}
	if got := mustBalance(t, l, "mer"); got.Sign() != 0 {
		t.Fatalf("recipient balance = %s, want 0", got)
	}

	// The request id stays unclaimed so the caller's retry settles fresh.
	receipt, err := l.Transfer("ben", "mer", big.NewInt(400), TxIntent{RequestID: "xfer-1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if receipt.Replayed {
		t.Fatal("retry served as replay after failed commit")
	}
	if got := mustBalance(t, l, "mer"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("recipient balance = %s, want 400", got)
	}
}
