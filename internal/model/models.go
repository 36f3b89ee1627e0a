package model

import (
	"time"

	"gorm.io/datatypes"
)

// Round statuses. "Awaiting request" is not stored: an open round whose
// finish time has passed is awaiting a randomness request.
const (
	RoundStatusOpen       = "open"
	RoundStatusPending    = "pending"
	RoundStatusDrawn      = "drawn"
	RoundStatusSettling   = "settling"
	RoundStatusRefunding  = "refunding"
	RoundStatusRecovering = "recovering"
)

// Bet statuses.
const (
	BetStatusCreated  = "created"
	BetStatusWin      = "win"
	BetStatusLose     = "lose"
	BetStatusRefunded = "refunded"
)

type Round struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	TicketPrice    int64  `gorm:"not null"`
	FeePercent     int64  `gorm:"not null"` // jackpot cut, snapshot at creation
	Status         string `gorm:"default:open;not null"`
	FinishAt       time.Time
	TicketsCount   int64
	BetsCount      int64
	BetsClaimed    int64
	WinningSymbol  uint8
	WinningNumbers uint32
	JackpotWon     bool
	RequestID      int64
	RequestedAt    *time.Time
	ReservedAmount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Bet struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	RoundID        int64 `gorm:"index;not null"`
	OwnerID        int64 `gorm:"index;not null"`
	TicketsJSON    datatypes.JSON
	TicketCount    int
	Amount         int64
	SymbolUnlocked bool
	Claimed        bool
	Refunded       bool
	Result         int64
	Status         string `gorm:"default:created;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TicketRecord maps a ticket fingerprint to its bet within a round, for
// duplicate detection and winning-ticket lookup.
type TicketRecord struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	RoundID     int64  `gorm:"uniqueIndex:idx_round_fingerprint;not null"`
	Fingerprint uint32 `gorm:"uniqueIndex:idx_round_fingerprint;not null"`
	BetID       int64  `gorm:"index;not null"`
}

// Account is one entry of the fungible settlement-asset ledger. Addresses
// follow the "player:<id>" / "round:<id>" / "pool" / "jackpot" convention.
type Account struct {
	Address   string `gorm:"primaryKey;size:64"`
	Balance   int64
	UpdatedAt time.Time
}

// LotteryState is the registry singleton: the global ticket price, the
// rolling jackpot accumulator and the currently open round.
type LotteryState struct {
	ID                int64 `gorm:"primaryKey"`
	TicketPrice       int64
	AdditionalJackpot int64
	CurrentRoundID    int64
	UpdatedAt         time.Time
}

// OracleSubscription is the shared prefunded randomness subscription all
// rounds draw requests from.
type OracleSubscription struct {
	ID        int64 `gorm:"primaryKey"`
	Balance   int64
	UpdatedAt time.Time
}

type OracleConsumer struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	SubscriptionID int64 `gorm:"index;not null"`
	RoundID        int64 `gorm:"uniqueIndex;not null"`
	CreatedAt      time.Time
}

// BetToken links a transferable ownership token to a bet. TokenID equals
// the bet id.
type BetToken struct {
	TokenID   int64 `gorm:"primaryKey"`
	OwnerID   int64 `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Operator struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"unique;not null"`
	PasswordHash string `gorm:"not null"`
	DisplayName  string
	Status       string `gorm:"default:active;not null"` // active/disabled
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SettlementLog is the audit trail of every fund movement.
type SettlementLog struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RoundID   int64  `gorm:"index"`
	BetID     *int64 `gorm:"index"`
	Type      string // stake/reserve/jackpot_cut/house_cut/payout/jackpot_payout/refund/sweep/recover
	Amount    int64
	MetaJSON  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
}
