package ledger

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOverpayment   = errors.New("payment exceeds amount due")
	ErrInvoicePaid   = errors.New("invoice already paid")
	ErrConflict      = errors.New("resource conflict")
)
