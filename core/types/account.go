package types

import "math/big"

// Account holds the ledger-resident balance state for an address. BalanceNRG
// is the native currency used to settle energy trades; Stake is reserved for
// future validator economics and is carried through transfers untouched.
type Account struct {
	Nonce      uint64
	BalanceNRG *big.Int
	Stake      *big.Int
}
