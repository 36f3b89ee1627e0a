package errors

import "errors"

// Validation errors. Rejected before any state mutation.
var (
	ErrInvalidTicket       = errors.New("invalid ticket")
	ErrInvalidTicketCount  = errors.New("invalid ticket count")
	ErrTicketCountMismatch = errors.New("ticket count mismatch")
	ErrWrongAmount         = errors.New("wrong bet amount")
	ErrInvalidFinishTime   = errors.New("invalid finish time")
	ErrInvalidRefundRange  = errors.New("invalid refund range")
)

// State errors. The operation is not legal for the current round or bet
// status; callers may retry once the state changes.
var (
	ErrRoundNotFound      = errors.New("round not found")
	ErrBetNotFound        = errors.New("bet not found")
	ErrRoundNotOpen       = errors.New("round is not open for betting")
	ErrRoundNotFinished   = errors.New("round is not finished")
	ErrRoundNotDrawn      = errors.New("round is not drawn")
	ErrRoundNotSettling   = errors.New("round is not settling")
	ErrRoundNotRefunding  = errors.New("round is not refunding")
	ErrNoBets             = errors.New("round has no bets")
	ErrRequestWindowOver  = errors.New("randomness request window elapsed")
	ErrRequestOutstanding = errors.New("randomness request already outstanding")
	ErrRequestMismatch    = errors.New("unknown randomness request id")
	ErrRefundTooEarly     = errors.New("refund window not reached")
	ErrRecoverTooEarly    = errors.New("recovery timeout not reached")
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrAlreadyRefunded    = errors.New("already refunded")
)

// Duplicate errors. Permanently rejected for that exact ticket in that round.
var (
	ErrTicketAlreadyRegistered = errors.New("ticket already registered")
)

// Authorization errors.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotBetOwner          = errors.New("caller is not the bet owner")
	ErrOperatorNotFound     = errors.New("operator not found")
	ErrOperatorDisabled     = errors.New("operator disabled")
	ErrInvalidOperatorLogin = errors.New("invalid operator credentials")
)

// External dependency errors. Some have timeout-based recovery paths,
// others need operator intervention.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientPoolFunds   = errors.New("insufficient pool funds")
	ErrCalculationLocked       = errors.New("pool calculation in progress")
	ErrOracleRequestRejected   = errors.New("oracle rejected randomness request")
	ErrSubscriptionUnderfunded = errors.New("oracle subscription underfunded")
)
