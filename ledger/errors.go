package ledger

import "errors"

var (
	ErrWalletNotFound    = errors.New("ledger: wallet not found")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidKind       = errors.New("ledger: invalid entry kind")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrLedgerMismatch    = errors.New("ledger: balance does not match entries")
)
