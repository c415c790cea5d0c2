package types

import "math/big"

// Account holds the relief-token balance for a single address. Balances are
// denominated in the smallest token unit (paise for RINR) and are never
// negative. Accounts are created on first credit and never deleted; a drained
// account simply carries a zero balance.
type Account struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
}

// NewAccount returns an account with a zero balance for the given address.
func NewAccount(address string) *Account {
	return &Account{Address: address, Balance: big.NewInt(0)}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Address: a.Address, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
