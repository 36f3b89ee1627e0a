// Package lottery is the game registry: it owns round creation, bet
// intake, claim settlement, the rolling jackpot accumulator and the fund
// routing between rounds, players and the staking pool.
package lottery

import (
	"context"
	"fmt"
	"time"

	"lotto-service/internal/config"
	"lotto-service/internal/model"
	"lotto-service/internal/service/bet"
	"lotto-service/internal/service/ownership"
	"lotto-service/internal/service/round"
	"lotto-service/internal/service/token"
	"lotto-service/internal/ticket"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"
	"lotto-service/pkg/utils/random"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const stateID = 1

// OracleAdmin is the slice of the oracle service the registry needs for
// round provisioning.
type OracleAdmin interface {
	EnsureFunded(ctx context.Context, floor int64) error
	AddConsumer(ctx context.Context, roundID int64) error
}

type Service struct {
	db     *gorm.DB
	cfg    config.LotteryConfig
	rounds *round.Service
	oracle OracleAdmin
}

func NewService(db *gorm.DB, cfg config.LotteryConfig, rounds *round.Service, oracle OracleAdmin) *Service {
	return &Service{db: db, cfg: cfg, rounds: rounds, oracle: oracle}
}

// State returns the registry singleton, creating it on first use with the
// configured ticket price.
func (s *Service) State(ctx context.Context) (*model.LotteryState, error) {
	var state model.LotteryState
	err := s.db.WithContext(ctx).Where("id = ?", stateID).First(&state).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
		state = model.LotteryState{ID: stateID, TicketPrice: s.cfg.TicketPrice}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, err
		}
	}
	return &state, nil
}

func lockState(tx *gorm.DB, defaultPrice int64) (*model.LotteryState, error) {
	var state model.LotteryState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", stateID).
		First(&state).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
		state = model.LotteryState{ID: stateID, TicketPrice: defaultPrice}
		if err := tx.Create(&state).Error; err != nil {
			return nil, err
		}
	}
	return &state, nil
}

// CreateRound opens a new round at the global ticket price and registers
// it as a consumer of the shared randomness subscription. Fails when the
// subscription sits below its funding floor.
func (s *Service) CreateRound(ctx context.Context, finishAt time.Time) (*model.Round, error) {
	if err := s.oracle.EnsureFunded(ctx, s.cfg.MinSubscriptionBalance); err != nil {
		return nil, err
	}

	state, err := s.State(ctx)
	if err != nil {
		return nil, err
	}

	r, err := s.rounds.Create(ctx, state.TicketPrice, s.cfg.JackpotFeePercent, finishAt)
	if err != nil {
		return nil, err
	}
	if err := s.oracle.AddConsumer(ctx, r.ID); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&model.LotteryState{}).
		Where("id = ?", stateID).
		Updates(map[string]interface{}{
			"current_round_id": r.ID,
			"updated_at":       time.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return r, nil
}

// PlaceBet validates the selection and amount, creates the bet with its
// ownership token, escrows the stake and registers the fingerprints with
// the round. All or nothing.
func (s *Service) PlaceBet(ctx context.Context, playerID, roundID, amount int64, tickets []ticket.Ticket) (*model.Bet, error) {
	var placed *model.Bet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := round.Lock(tx, roundID)
		if err != nil {
			return err
		}

		b, err := bet.New(roundID, playerID, tickets, r.TicketPrice, s.cfg.MaxTicketsPerBet)
		if err != nil {
			return err
		}
		if amount != b.Amount {
			return fmt.Errorf("%w: paid %d, want %d", appErr.ErrWrongAmount, amount, b.Amount)
		}

		if err := tx.Create(b).Error; err != nil {
			return err
		}
		if err := ownership.Mint(tx, b.ID, playerID); err != nil {
			return err
		}
		if err := token.Transfer(tx, token.PlayerAddress(playerID), token.RoundAddress(roundID), amount); err != nil {
			return err
		}
		if err := round.RegisterBet(tx, roundID, b); err != nil {
			return err
		}
		if err := s.logMovement(tx, roundID, &b.ID, "stake", amount); err != nil {
			return err
		}
		placed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.rounds.Events().Publish(roundID, round.EventBetRegistered, map[string]interface{}{
		"betId":   placed.ID,
		"tickets": placed.TicketCount,
	})
	logger.Log.Info("bet placed",
		zap.Int64("betID", placed.ID),
		zap.Int64("roundID", roundID),
		zap.Int64("playerID", playerID),
		zap.Int("tickets", placed.TicketCount),
	)
	return placed, nil
}

// QuickPick places a bet with randomly generated valid tickets.
func (s *Service) QuickPick(ctx context.Context, playerID, roundID int64, count int) (*model.Bet, error) {
	r, err := s.rounds.Get(ctx, roundID)
	if err != nil {
		return nil, err
	}

	tickets := make([]ticket.Ticket, 0, count)
	for i := 0; i < count; i++ {
		mask, err := ticket.MaskFromNumbers(random.DistinctInts(ticket.NumbersPerTicket, ticket.NumberMax))
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket.Ticket{
			Symbol:  uint8(random.Int(ticket.SymbolMax)),
			Numbers: mask,
		})
	}
	return s.PlaceBet(ctx, playerID, roundID, r.TicketPrice*int64(count), tickets)
}

// EditTicket swaps a bet's tickets for a fresh selection of identical
// cardinality. Owner-gated; only while the round is open.
func (s *Service) EditTicket(ctx context.Context, callerID, betID int64, tickets []ticket.Ticket) error {
	var roundID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBet(tx, betID)
		if err != nil {
			return err
		}
		if b.OwnerID != callerID {
			return appErr.ErrNotBetOwner
		}
		roundID = b.RoundID
		return round.EditTickets(tx, b.RoundID, b, tickets)
	})
	if err != nil {
		return err
	}

	s.rounds.Events().Publish(roundID, round.EventTicketsEdited, map[string]interface{}{"betId": betID})
	return nil
}

// ClaimResult is one bet's settlement outcome.
type ClaimResult struct {
	BetID   int64 `json:"betId"`
	Payout  int64 `json:"payout"`
	Jackpot bool  `json:"jackpot"`
}

// Claim settles one bet of a settling round: scores its tickets against
// the winning draw, pays the owner, adds the full jackpot accumulator on a
// jackpot-tier hit and sweeps the residual escrow after the last claim.
// Callable by anyone; the payout always goes to the bet's recorded owner.
func (s *Service) Claim(ctx context.Context, betID int64) (*ClaimResult, error) {
	var result *ClaimResult
	var roundID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBet(tx, betID)
		if err != nil {
			return err
		}
		roundID = b.RoundID
		result, err = s.settleBet(tx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rounds.Events().Publish(roundID, round.EventClaimed, result)
	logger.Log.Info("bet claimed",
		zap.Int64("betID", betID),
		zap.Int64("payout", result.Payout),
		zap.Bool("jackpot", result.Jackpot),
	)
	return result, nil
}

type ClaimAllItem struct {
	BetID  int64  `json:"betId"`
	Payout int64  `json:"payout,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ClaimAll settles a batch of bets, reporting the outcome per bet rather
// than aborting the batch on the first failure.
func (s *Service) ClaimAll(ctx context.Context, betIDs []int64) []ClaimAllItem {
	items := make([]ClaimAllItem, 0, len(betIDs))
	for _, id := range betIDs {
		result, err := s.Claim(ctx, id)
		if err != nil {
			items = append(items, ClaimAllItem{BetID: id, Error: err.Error()})
			continue
		}
		items = append(items, ClaimAllItem{BetID: id, Payout: result.Payout})
	}
	return items
}

// ProcessJackpot accrues the round's jackpot cut into the rolling
// accumulator and, when the winning fingerprint belongs to a bet with its
// symbol unlocked, settles that bet immediately.
func (s *Service) ProcessJackpot(ctx context.Context, roundID int64) (*ClaimResult, error) {
	var autoClaim *ClaimResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, err := round.ProcessJackpot(tx, roundID)
		if err != nil {
			return err
		}

		state, err := lockState(tx, s.cfg.TicketPrice)
		if err != nil {
			return err
		}
		state.AdditionalJackpot += outcome.Cut
		state.UpdatedAt = time.Now()
		if err := tx.Save(state).Error; err != nil {
			return err
		}
		if err := s.logMovement(tx, roundID, nil, "jackpot_cut", outcome.Cut); err != nil {
			return err
		}

		if outcome.WinningBetID == 0 {
			return nil
		}
		winner, err := lockBet(tx, outcome.WinningBetID)
		if err != nil {
			return err
		}
		if !winner.SymbolUnlocked {
			return nil
		}
		autoClaim, err = s.settleBet(tx, winner)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rounds.Events().Publish(roundID, round.EventJackpotProcessed, autoClaim)
	logger.Log.Info("jackpot processed",
		zap.Int64("roundID", roundID),
		zap.Bool("autoClaimed", autoClaim != nil),
	)
	return autoClaim, nil
}

// Jackpot returns the rolling accumulator.
func (s *Service) Jackpot(ctx context.Context) (int64, error) {
	state, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	return state.AdditionalJackpot, nil
}

func (s *Service) settleBet(tx *gorm.DB, b *model.Bet) (*ClaimResult, error) {
	r, err := round.Lock(tx, b.RoundID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RoundStatusSettling {
		return nil, appErr.ErrRoundNotSettling
	}
	if b.Claimed {
		return nil, appErr.ErrAlreadyClaimed
	}
	if b.Refunded {
		return nil, appErr.ErrAlreadyRefunded
	}

	table, ok := ticket.TableForFee(r.FeePercent)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fee percent %d", appErr.ErrInvalidTicket, r.FeePercent)
	}
	coef, jackpotHit, err := bet.CalculateResult(b, round.WinningTicket(r), table)
	if err != nil {
		return nil, err
	}
	payout := coef * r.TicketPrice

	var jackpotPaid int64
	if jackpotHit {
		state, err := lockState(tx, s.cfg.TicketPrice)
		if err != nil {
			return nil, err
		}
		jackpotPaid = state.AdditionalJackpot
		state.AdditionalJackpot = 0
		state.UpdatedAt = time.Now()
		if err := tx.Save(state).Error; err != nil {
			return nil, err
		}
		err = tx.Model(&model.Round{}).
			Where("id = ?", r.ID).
			Update("jackpot_won", true).Error
		if err != nil {
			return nil, err
		}
	}

	last, err := round.Claim(tx, r.ID, b)
	if err != nil {
		return nil, err
	}

	owner := token.PlayerAddress(b.OwnerID)
	if payout > 0 {
		if err := token.Transfer(tx, token.RoundAddress(r.ID), owner, payout); err != nil {
			return nil, err
		}
		if err := s.logMovement(tx, r.ID, &b.ID, "payout", payout); err != nil {
			return nil, err
		}
	}
	if jackpotPaid > 0 {
		if err := token.Transfer(tx, token.JackpotAddress, owner, jackpotPaid); err != nil {
			return nil, err
		}
		if err := s.logMovement(tx, r.ID, &b.ID, "jackpot_payout", jackpotPaid); err != nil {
			return nil, err
		}
	}

	if err := bet.SetResult(tx, b, payout+jackpotPaid); err != nil {
		return nil, err
	}

	if last {
		escrow := token.RoundAddress(r.ID)
		leftover, err := token.BalanceOf(tx, escrow)
		if err != nil {
			return nil, err
		}
		if leftover > 0 {
			if err := token.Transfer(tx, escrow, token.PoolAddress, leftover); err != nil {
				return nil, err
			}
			if err := s.logMovement(tx, r.ID, nil, "sweep", leftover); err != nil {
				return nil, err
			}
		}
	}

	return &ClaimResult{
		BetID:   b.ID,
		Payout:  payout + jackpotPaid,
		Jackpot: jackpotHit,
	}, nil
}

func lockBet(tx *gorm.DB, betID int64) (*model.Bet, error) {
	var b model.Bet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&b, betID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrBetNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Service) logMovement(tx *gorm.DB, roundID int64, betID *int64, movementType string, amount int64) error {
	return tx.Create(&model.SettlementLog{
		RoundID: roundID,
		BetID:   betID,
		Type:    movementType,
		Amount:  amount,
	}).Error
}
