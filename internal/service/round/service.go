// Package round drives the round lifecycle state machine: bet
// registration while betting is open, the randomness request and its
// asynchronous fulfillment, jackpot processing, claim bookkeeping and the
// refund/recovery paths taken when the oracle never answers.
//
// Every state-mutating operation runs in one database transaction holding
// a row lock on the round, so a failed guard leaves no partial mutation.
package round

import (
	"context"
	"fmt"
	"time"

	"lotto-service/internal/model"
	"lotto-service/internal/service/bet"
	"lotto-service/internal/service/pool"
	"lotto-service/internal/service/token"
	"lotto-service/internal/ticket"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PoolLock is the cooperative pool-wide settlement mutex. Randomness
// requests must not reserve exposure while it is held.
type PoolLock interface {
	IsCalculationLocked(ctx context.Context) (bool, error)
}

// Oracle issues randomness request ids against the shared subscription.
type Oracle interface {
	Request(ctx context.Context, roundID int64) (int64, error)
}

type Config struct {
	RequestPeriod  time.Duration
	RecoverTimeout time.Duration
}

type Service struct {
	db       *gorm.DB
	cfg      Config
	poolLock PoolLock
	oracle   Oracle
	hub      *Hub
}

func NewService(db *gorm.DB, cfg Config, poolLock PoolLock, oracle Oracle) *Service {
	return &Service{
		db:       db,
		cfg:      cfg,
		poolLock: poolLock,
		oracle:   oracle,
		hub:      NewHub(),
	}
}

func (s *Service) Events() *Hub {
	return s.hub
}

// Create opens a new round at the given ticket price and fee variant.
func (s *Service) Create(ctx context.Context, ticketPrice, feePct int64, finishAt time.Time) (*model.Round, error) {
	if _, ok := ticket.TableForFee(feePct); !ok {
		return nil, fmt.Errorf("%w: unsupported fee percent %d", appErr.ErrInvalidTicket, feePct)
	}
	if !finishAt.After(time.Now()) {
		return nil, appErr.ErrInvalidFinishTime
	}

	round := model.Round{
		TicketPrice: ticketPrice,
		FeePercent:  feePct,
		Status:      model.RoundStatusOpen,
		FinishAt:    finishAt,
	}
	if err := s.db.WithContext(ctx).Create(&round).Error; err != nil {
		return nil, err
	}
	logger.Log.Info("round created",
		zap.Int64("roundID", round.ID),
		zap.Int64("ticketPrice", ticketPrice),
		zap.Time("finishAt", finishAt),
	)
	return &round, nil
}

func (s *Service) Get(ctx context.Context, roundID int64) (*model.Round, error) {
	var round model.Round
	err := s.db.WithContext(ctx).First(&round, roundID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrRoundNotFound
		}
		return nil, err
	}
	return &round, nil
}

// WinningTicket is only meaningful once the round is drawn.
func WinningTicket(r *model.Round) ticket.Ticket {
	return ticket.Ticket{Symbol: r.WinningSymbol, Numbers: r.WinningNumbers}
}

// Lock loads the round FOR UPDATE inside the caller's transaction.
func Lock(tx *gorm.DB, roundID int64) (*model.Round, error) {
	var round model.Round
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&round, roundID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrRoundNotFound
		}
		return nil, err
	}
	return &round, nil
}

func openForBetting(r *model.Round) bool {
	return r.Status == model.RoundStatusOpen && time.Now().Before(r.FinishAt)
}

// RegisterBet installs a bet's ticket fingerprints and updates the round
// counters, inside the caller's transaction. The escrow balance re-check
// is defensive; it should hold by construction.
func RegisterBet(tx *gorm.DB, roundID int64, b *model.Bet) error {
	round, err := Lock(tx, roundID)
	if err != nil {
		return err
	}
	if !openForBetting(round) {
		return appErr.ErrRoundNotOpen
	}

	tickets, err := bet.Tickets(b)
	if err != nil {
		return err
	}
	if err := installFingerprints(tx, round.ID, b.ID, tickets); err != nil {
		return err
	}

	round.TicketsCount += int64(b.TicketCount)
	round.BetsCount++
	round.UpdatedAt = time.Now()
	if err := tx.Save(round).Error; err != nil {
		return err
	}

	held, err := token.BalanceOf(tx, token.RoundAddress(round.ID))
	if err != nil {
		return err
	}
	if held < round.TicketsCount*round.TicketPrice {
		return fmt.Errorf("%w: round escrow %d below stake", appErr.ErrInsufficientBalance, held)
	}
	return nil
}

// EditTickets atomically swaps a bet's fingerprints for fresh ones. Any
// collision aborts the whole edit.
func EditTickets(tx *gorm.DB, roundID int64, b *model.Bet, tickets []ticket.Ticket) error {
	round, err := Lock(tx, roundID)
	if err != nil {
		return err
	}
	if !openForBetting(round) {
		return appErr.ErrRoundNotOpen
	}

	err = tx.Where("round_id = ? AND bet_id = ?", round.ID, b.ID).
		Delete(&model.TicketRecord{}).Error
	if err != nil {
		return err
	}
	if err := installFingerprints(tx, round.ID, b.ID, tickets); err != nil {
		return err
	}
	return bet.SetTickets(tx, b, tickets)
}

func installFingerprints(tx *gorm.DB, roundID, betID int64, tickets []ticket.Ticket) error {
	records := make([]model.TicketRecord, 0, len(tickets))
	seen := make(map[uint32]struct{}, len(tickets))
	fingerprints := make([]uint32, 0, len(tickets))

	for _, t := range tickets {
		fp := ticket.Fingerprint(t)
		if _, dup := seen[fp]; dup {
			return appErr.ErrTicketAlreadyRegistered
		}
		seen[fp] = struct{}{}
		fingerprints = append(fingerprints, fp)
		records = append(records, model.TicketRecord{
			RoundID:     roundID,
			Fingerprint: fp,
			BetID:       betID,
		})
	}

	var existing int64
	err := tx.Model(&model.TicketRecord{}).
		Where("round_id = ? AND fingerprint IN ?", roundID, fingerprints).
		Count(&existing).Error
	if err != nil {
		return err
	}
	if existing > 0 {
		return appErr.ErrTicketAlreadyRegistered
	}
	return tx.Create(&records).Error
}

// RequestRandomness closes the betting phase: it reserves the maximum
// payout exposure from the pool and submits the oracle request. Legal only
// within the bounded request window after finish, on a round with bets.
func (s *Service) RequestRandomness(ctx context.Context, roundID int64) (*model.Round, error) {
	locked, err := s.poolLock.IsCalculationLocked(ctx)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, appErr.ErrCalculationLocked
	}

	var round *model.Round
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		round, err = Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Status != model.RoundStatusOpen {
			return appErr.ErrRequestOutstanding
		}
		now := time.Now()
		if now.Before(round.FinishAt) {
			return appErr.ErrRoundNotFinished
		}
		if !now.Before(round.FinishAt.Add(s.cfg.RequestPeriod)) {
			return appErr.ErrRequestWindowOver
		}
		if round.BetsCount == 0 {
			return appErr.ErrNoBets
		}

		table, _ := ticket.TableForFee(round.FeePercent)
		reserve := round.TicketPrice * table.MaxShares()
		if err := pool.Reserve(tx, round.ID, reserve); err != nil {
			return err
		}

		requestID, err := s.oracle.Request(ctx, round.ID)
		if err != nil {
			return err
		}

		round.Status = model.RoundStatusPending
		round.RequestID = requestID
		round.RequestedAt = &now
		round.ReservedAmount = reserve
		round.UpdatedAt = now
		return tx.Save(round).Error
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(round.ID, EventRandomnessSought, map[string]interface{}{"requestId": round.RequestID})
	logger.Log.Info("round pending draw",
		zap.Int64("roundID", round.ID),
		zap.Int64("requestID", round.RequestID),
		zap.Int64("reserved", round.ReservedAmount),
	)
	return round, nil
}

// Fulfill consumes the oracle callback. The request id must match the
// outstanding one; the winning ticket is derived with five distinct
// numbers by construction.
func (s *Service) Fulfill(ctx context.Context, requestID int64, words [6]uint64) (*model.Round, error) {
	var round *model.Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r model.Round
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("request_id = ? AND status = ?", requestID, model.RoundStatusPending).
			First(&r).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.ErrRequestMismatch
			}
			return err
		}

		winning := ticket.DeriveWinning(words)
		r.WinningSymbol = winning.Symbol
		r.WinningNumbers = winning.Numbers
		r.Status = model.RoundStatusDrawn
		r.UpdatedAt = time.Now()
		round = &r
		return tx.Save(&r).Error
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(round.ID, EventDrawn, map[string]interface{}{
		"symbol":  round.WinningSymbol,
		"numbers": ticket.NumbersFromMask(round.WinningNumbers),
	})
	logger.Log.Info("round drawn",
		zap.Int64("roundID", round.ID),
		zap.Uint8("symbol", round.WinningSymbol),
		zap.Ints("numbers", ticket.NumbersFromMask(round.WinningNumbers)),
	)
	return round, nil
}

// JackpotOutcome reports what ProcessJackpot found, so the registry can
// accrue the cut and auto-claim the winning bet.
type JackpotOutcome struct {
	Round        *model.Round
	Cut          int64
	WinningBetID int64 // zero when the winning fingerprint is unregistered
}

// ProcessJackpot moves the round from drawn to settling: it forwards the
// jackpot cut out of escrow and looks up the bet holding the winning
// fingerprint. Runs inside the caller's transaction.
func ProcessJackpot(tx *gorm.DB, roundID int64) (*JackpotOutcome, error) {
	round, err := Lock(tx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundStatusDrawn {
		return nil, appErr.ErrRoundNotDrawn
	}

	cut := round.TicketsCount * round.TicketPrice * round.FeePercent / 100
	if err := token.Transfer(tx, token.RoundAddress(round.ID), token.JackpotAddress, cut); err != nil {
		return nil, err
	}

	outcome := &JackpotOutcome{Round: round, Cut: cut}
	var record model.TicketRecord
	err = tx.Where("round_id = ? AND fingerprint = ?",
		round.ID, ticket.Fingerprint(WinningTicket(round))).
		First(&record).Error
	if err == nil {
		outcome.WinningBetID = record.BetID
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	round.Status = model.RoundStatusSettling
	round.UpdatedAt = time.Now()
	if err := tx.Save(round).Error; err != nil {
		return nil, err
	}
	return outcome, nil
}

// Claim books one bet's settlement on the round: it bumps the claimed
// counter and forwards the bet's house cut to the pool. Returns true when
// this was the last outstanding bet, signaling the caller to sweep the
// residual escrow.
func Claim(tx *gorm.DB, roundID int64, b *model.Bet) (bool, error) {
	round, err := Lock(tx, roundID)
	if err != nil {
		return false, err
	}
	if round.Status != model.RoundStatusSettling {
		return false, appErr.ErrRoundNotSettling
	}
	if b.RoundID != round.ID {
		return false, appErr.ErrBetNotFound
	}

	houseCut := round.TicketPrice * int64(b.TicketCount) * (100 - round.FeePercent) / 100
	if err := token.Transfer(tx, token.RoundAddress(round.ID), token.PoolAddress, houseCut); err != nil {
		return false, err
	}

	round.BetsClaimed++
	round.UpdatedAt = time.Now()
	if err := tx.Save(round).Error; err != nil {
		return false, err
	}
	return round.BetsClaimed == round.BetsCount, nil
}

// StartRefund opens the refund path for a round whose request window
// elapsed without any randomness request.
func (s *Service) StartRefund(ctx context.Context, roundID int64) (*model.Round, error) {
	var round *model.Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Status != model.RoundStatusOpen {
			return appErr.ErrRoundNotOpen
		}
		if time.Now().Before(round.FinishAt.Add(s.cfg.RequestPeriod)) {
			return appErr.ErrRefundTooEarly
		}

		round.Status = model.RoundStatusRefunding
		round.UpdatedAt = time.Now()
		return tx.Save(round).Error
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(round.ID, EventRefunding, nil)
	logger.Log.Warn("round refunding", zap.Int64("roundID", round.ID))
	return round, nil
}

// StartRecover cancels a round stuck pending after the oracle failed to
// answer within the recovery timeout. The whole escrow, reserved exposure
// included, goes back to the pool; the round is terminally non-claimable.
func (s *Service) StartRecover(ctx context.Context, roundID int64) (*model.Round, error) {
	var round *model.Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Status != model.RoundStatusPending || round.RequestedAt == nil {
			return appErr.ErrRoundNotFinished
		}
		if time.Now().Before(round.RequestedAt.Add(s.cfg.RecoverTimeout)) {
			return appErr.ErrRecoverTooEarly
		}

		escrow := token.RoundAddress(round.ID)
		held, err := token.BalanceOf(tx, escrow)
		if err != nil {
			return err
		}
		if err := token.Transfer(tx, escrow, token.PoolAddress, held); err != nil {
			return err
		}

		round.Status = model.RoundStatusRecovering
		round.UpdatedAt = time.Now()
		if err := tx.Save(round).Error; err != nil {
			return err
		}
		return logMovement(tx, round.ID, nil, "recover", held)
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(round.ID, EventRecovering, nil)
	logger.Log.Warn("round recovered", zap.Int64("roundID", round.ID))
	return round, nil
}

// Refund pays back a bounded slice of the bet list, idempotently per bet.
// Callers advance the offset across repeated invocations.
func (s *Service) Refund(ctx context.Context, roundID int64, offset, limit int64) (int, error) {
	refunded := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		round, err := Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Status != model.RoundStatusRefunding {
			return appErr.ErrRoundNotRefunding
		}
		if offset < 0 || limit <= 0 || offset+limit > round.BetsCount {
			return appErr.ErrInvalidRefundRange
		}

		var bets []model.Bet
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ?", round.ID).
			Order("id ASC").
			Offset(int(offset)).
			Limit(int(limit)).
			Find(&bets).Error
		if err != nil {
			return err
		}

		for i := range bets {
			b := &bets[i]
			if b.Refunded || b.Claimed {
				continue
			}
			amount := round.TicketPrice * int64(b.TicketCount)
			err := token.Transfer(tx, token.RoundAddress(round.ID), token.PlayerAddress(b.OwnerID), amount)
			if err != nil {
				return err
			}
			if err := bet.MarkRefunded(tx, b); err != nil {
				return err
			}
			if err := logMovement(tx, round.ID, &b.ID, "refund", amount); err != nil {
				return err
			}
			refunded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// UpdateFinish extends the betting window. Extension only, never shortens.
func (s *Service) UpdateFinish(ctx context.Context, roundID int64, finishAt time.Time) (*model.Round, error) {
	var round *model.Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		round, err = Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Status != model.RoundStatusOpen {
			return appErr.ErrRoundNotOpen
		}
		if !finishAt.After(time.Now()) || !finishAt.After(round.FinishAt) {
			return appErr.ErrInvalidFinishTime
		}

		round.FinishAt = finishAt
		round.UpdatedAt = time.Now()
		return tx.Save(round).Error
	})
	if err != nil {
		return nil, err
	}
	return round, nil
}

func logMovement(tx *gorm.DB, roundID int64, betID *int64, movementType string, amount int64) error {
	return tx.Create(&model.SettlementLog{
		RoundID: roundID,
		BetID:   betID,
		Type:    movementType,
		Amount:  amount,
	}).Error
}
