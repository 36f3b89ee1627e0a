// Package bet is the per-wager ledger: a bet bundles 1-9 tickets bought in
// one transaction, tracks claim/refund state and computes its prize
// against a winning draw.
package bet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lotto-service/internal/model"
	"lotto-service/internal/ticket"
	appErr "lotto-service/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SymbolUnlockCount is the minimum ticket count that makes a bet eligible
// for the symbol jackpot bonus.
const SymbolUnlockCount = 3

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// New validates the selection and builds an unsaved bet record. Amount is
// always ticket count times the round's ticket price.
func New(roundID, ownerID int64, tickets []ticket.Ticket, ticketPrice int64, maxTickets int) (*model.Bet, error) {
	if len(tickets) < 1 || len(tickets) > maxTickets {
		return nil, fmt.Errorf("%w: got %d, want 1..%d", appErr.ErrInvalidTicketCount, len(tickets), maxTickets)
	}
	raw, err := encodeTickets(tickets)
	if err != nil {
		return nil, err
	}
	return &model.Bet{
		RoundID:        roundID,
		OwnerID:        ownerID,
		TicketsJSON:    raw,
		TicketCount:    len(tickets),
		Amount:         ticketPrice * int64(len(tickets)),
		SymbolUnlocked: len(tickets) >= SymbolUnlockCount,
		Status:         model.BetStatusCreated,
	}, nil
}

// Tickets decodes the bet's ticket list.
func Tickets(b *model.Bet) ([]ticket.Ticket, error) {
	var tickets []ticket.Ticket
	if err := json.Unmarshal(b.TicketsJSON, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// SetTickets replaces the selection with a fresh one of identical
// cardinality. Round-status gating is the round controller's job.
func SetTickets(tx *gorm.DB, b *model.Bet, tickets []ticket.Ticket) error {
	if b.Claimed {
		return appErr.ErrAlreadyClaimed
	}
	if b.Refunded {
		return appErr.ErrAlreadyRefunded
	}
	if len(tickets) != b.TicketCount {
		return fmt.Errorf("%w: got %d, want %d", appErr.ErrTicketCountMismatch, len(tickets), b.TicketCount)
	}
	raw, err := encodeTickets(tickets)
	if err != nil {
		return err
	}
	b.TicketsJSON = raw
	b.UpdatedAt = time.Now()
	return tx.Save(b).Error
}

// CalculateResult sums the score of every ticket against the winning draw
// and reports whether any of them hit the jackpot tier.
func CalculateResult(b *model.Bet, winning ticket.Ticket, table ticket.PayoutTable) (int64, bool, error) {
	tickets, err := Tickets(b)
	if err != nil {
		return 0, false, err
	}
	var total int64
	jackpot := false
	for _, t := range tickets {
		coef, hit := table.Score(t, winning, b.SymbolUnlocked)
		total += coef
		jackpot = jackpot || hit
	}
	return total, jackpot, nil
}

// SetResult records the payout and closes the bet. One-way: a second call
// fails with ErrAlreadyClaimed.
func SetResult(tx *gorm.DB, b *model.Bet, amount int64) error {
	if b.Claimed {
		return appErr.ErrAlreadyClaimed
	}
	if b.Refunded {
		return appErr.ErrAlreadyRefunded
	}
	b.Result = amount
	b.Claimed = true
	if amount > 0 {
		b.Status = model.BetStatusWin
	} else {
		b.Status = model.BetStatusLose
	}
	b.UpdatedAt = time.Now()
	return tx.Save(b).Error
}

// MarkRefunded closes the bet via the refund path. Legal only from the
// created status, mutually exclusive with claim.
func MarkRefunded(tx *gorm.DB, b *model.Bet) error {
	if b.Claimed {
		return appErr.ErrAlreadyClaimed
	}
	if b.Refunded {
		return appErr.ErrAlreadyRefunded
	}
	b.Refunded = true
	b.Status = model.BetStatusRefunded
	b.UpdatedAt = time.Now()
	return tx.Save(b).Error
}

func encodeTickets(tickets []ticket.Ticket) (datatypes.JSON, error) {
	for _, t := range tickets {
		if !ticket.Validate(t) {
			return nil, fmt.Errorf("%w: symbol %d numbers %#x", appErr.ErrInvalidTicket, t.Symbol, t.Numbers)
		}
	}
	raw, err := json.Marshal(tickets)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (s *Service) Get(ctx context.Context, betID int64) (*model.Bet, error) {
	var b model.Bet
	err := s.db.WithContext(ctx).First(&b, betID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrBetNotFound
		}
		return nil, err
	}
	return &b, nil
}

type ListResult struct {
	Items []model.Bet `json:"items"`
	Total int64       `json:"total"`
}

func (s *Service) ListByOwner(ctx context.Context, ownerID int64, page, size int) (*ListResult, error) {
	var result ListResult
	query := s.db.WithContext(ctx).Model(&model.Bet{}).Where("owner_id = ?", ownerID)
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, err
	}
	err := query.Order("id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&result.Items).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}
