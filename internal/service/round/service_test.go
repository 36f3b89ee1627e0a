package round_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lotto-service/internal/model"
	"lotto-service/internal/repo"
	"lotto-service/internal/service/bet"
	"lotto-service/internal/service/round"
	"lotto-service/internal/service/token"
	"lotto-service/internal/ticket"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testPrice = 10
	testFee   = 4
)

type fakePoolLock struct {
	locked bool
}

func (f *fakePoolLock) IsCalculationLocked(ctx context.Context) (bool, error) {
	return f.locked, nil
}

type fakeOracle struct {
	lastID int64
	err    error
}

func (f *fakeOracle) Request(ctx context.Context, roundID int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.lastID++
	return f.lastID, nil
}

func newTestService(t *testing.T) (*gorm.DB, *round.Service, *fakePoolLock, *fakeOracle) {
	t.Helper()

	logger.Log = zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(repo.Models()...); err != nil {
		t.Fatalf("failed to migrate models: %v", err)
	}

	poolLock := &fakePoolLock{}
	oracle := &fakeOracle{}
	svc := round.NewService(db, round.Config{
		RequestPeriod:  time.Hour,
		RecoverTimeout: time.Hour,
	}, poolLock, oracle)
	return db, svc, poolLock, oracle
}

func makeTicket(t *testing.T, symbol uint8, numbers ...int) ticket.Ticket {
	t.Helper()

	m, err := ticket.MaskFromNumbers(numbers)
	if err != nil {
		t.Fatalf("failed to build mask from %v: %v", numbers, err)
	}
	return ticket.Ticket{Symbol: symbol, Numbers: m}
}

func credit(t *testing.T, db *gorm.DB, addr string, amount int64) {
	t.Helper()

	if err := token.Credit(db, addr, amount); err != nil {
		t.Fatalf("failed to credit %s: %v", addr, err)
	}
}

func balance(t *testing.T, db *gorm.DB, addr string) int64 {
	t.Helper()

	held, err := token.BalanceOf(db, addr)
	if err != nil {
		t.Fatalf("failed to read balance of %s: %v", addr, err)
	}
	return held
}

func createRound(t *testing.T, svc *round.Service) *model.Round {
	t.Helper()

	r, err := svc.Create(context.Background(), testPrice, testFee, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to create round: %v", err)
	}
	return r
}

func setFinish(t *testing.T, db *gorm.DB, roundID int64, finishAt time.Time) {
	t.Helper()

	err := db.Model(&model.Round{}).
		Where("id = ?", roundID).
		Update("finish_at", finishAt).Error
	if err != nil {
		t.Fatalf("failed to move finish time: %v", err)
	}
}

func placeBet(t *testing.T, db *gorm.DB, roundID, ownerID int64, tickets []ticket.Ticket) *model.Bet {
	t.Helper()

	b, err := bet.New(roundID, ownerID, tickets, testPrice, 9)
	if err != nil {
		t.Fatalf("failed to build bet: %v", err)
	}
	credit(t, db, token.PlayerAddress(ownerID), b.Amount)

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		if err := token.Transfer(tx, token.PlayerAddress(ownerID), token.RoundAddress(roundID), b.Amount); err != nil {
			return err
		}
		return round.RegisterBet(tx, roundID, b)
	})
	if err != nil {
		t.Fatalf("failed to place bet: %v", err)
	}
	return b
}

func TestRegisterBetRejectsDuplicateFingerprint(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)

	shared := makeTicket(t, 1, 1, 2, 3, 4, 5)
	placeBet(t, db, r.ID, 1, []ticket.Ticket{shared, makeTicket(t, 2, 6, 7, 8, 9, 10)})

	b, err := bet.New(r.ID, 2, []ticket.Ticket{shared}, testPrice, 9)
	if err != nil {
		t.Fatalf("failed to build bet: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		return round.RegisterBet(tx, r.ID, b)
	})
	if !errors.Is(err, appErr.ErrTicketAlreadyRegistered) {
		t.Fatalf("expected duplicate fingerprint to be rejected, got %v", err)
	}

	// Same symbol on different numbers is a different fingerprint.
	placeBet(t, db, r.ID, 2, []ticket.Ticket{makeTicket(t, 1, 6, 7, 8, 9, 10)})

	// Duplicates within one selection never reach the table.
	dup := []ticket.Ticket{makeTicket(t, 3, 11, 12, 13, 14, 15), makeTicket(t, 3, 11, 12, 13, 14, 15)}
	b, err = bet.New(r.ID, 3, dup, testPrice, 9)
	if err != nil {
		t.Fatalf("failed to build bet: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		return round.RegisterBet(tx, r.ID, b)
	})
	if !errors.Is(err, appErr.ErrTicketAlreadyRegistered) {
		t.Fatalf("expected in-batch duplicate to be rejected, got %v", err)
	}
}

func TestRegisterBetClosedRound(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)
	setFinish(t, db, r.ID, time.Now().Add(-time.Minute))

	b, err := bet.New(r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)}, testPrice, 9)
	if err != nil {
		t.Fatalf("failed to build bet: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		return round.RegisterBet(tx, r.ID, b)
	})
	if !errors.Is(err, appErr.ErrRoundNotOpen) {
		t.Fatalf("expected closed round to reject bets, got %v", err)
	}
}

func TestEditTicketsSwapsFingerprints(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)

	taken := makeTicket(t, 1, 1, 2, 3, 4, 5)
	placeBet(t, db, r.ID, 1, []ticket.Ticket{taken})
	b := placeBet(t, db, r.ID, 2, []ticket.Ticket{makeTicket(t, 2, 6, 7, 8, 9, 10)})

	err := db.Transaction(func(tx *gorm.DB) error {
		return round.EditTickets(tx, r.ID, b, []ticket.Ticket{taken})
	})
	if !errors.Is(err, appErr.ErrTicketAlreadyRegistered) {
		t.Fatalf("expected edit onto a taken fingerprint to fail, got %v", err)
	}

	fresh := makeTicket(t, 3, 11, 12, 13, 14, 15)
	err = db.Transaction(func(tx *gorm.DB) error {
		return round.EditTickets(tx, r.ID, b, []ticket.Ticket{fresh})
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	var count int64
	if err := db.Model(&model.TicketRecord{}).
		Where("round_id = ? AND fingerprint = ?", r.ID, ticket.Fingerprint(fresh)).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the fresh fingerprint to be registered, got %d", count)
	}
	if err := db.Model(&model.TicketRecord{}).
		Where("round_id = ? AND bet_id = ?", r.ID, b.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the old fingerprint to be released, got %d records", count)
	}
}

func TestRequestRandomnessLifecycle(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)
	placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

	table, _ := ticket.TableForFee(testFee)
	reserve := int64(testPrice) * table.MaxShares()
	credit(t, db, token.PoolAddress, reserve)
	setFinish(t, db, r.ID, time.Now().Add(-time.Minute))

	updated, err := svc.RequestRandomness(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if updated.Status != model.RoundStatusPending {
		t.Fatalf("expected pending status, got %s", updated.Status)
	}
	if updated.RequestID <= 0 || updated.ReservedAmount != reserve {
		t.Fatalf("unexpected request bookkeeping: %+v", updated)
	}
	if got := balance(t, db, token.RoundAddress(r.ID)); got != testPrice+reserve {
		t.Fatalf("expected escrow to hold stake plus reserve, got %d", got)
	}

	if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrRequestOutstanding) {
		t.Fatalf("expected second request to fail, got %v", err)
	}

	if _, err := svc.Fulfill(context.Background(), updated.RequestID+99, [6]uint64{}); !errors.Is(err, appErr.ErrRequestMismatch) {
		t.Fatalf("expected stale request id to be rejected, got %v", err)
	}

	drawn, err := svc.Fulfill(context.Background(), updated.RequestID, [6]uint64{})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}
	if drawn.Status != model.RoundStatusDrawn {
		t.Fatalf("expected drawn status, got %s", drawn.Status)
	}
	if !ticket.Validate(round.WinningTicket(drawn)) {
		t.Fatalf("expected a valid winning ticket, got %+v", round.WinningTicket(drawn))
	}

	if _, err := svc.Fulfill(context.Background(), updated.RequestID, [6]uint64{}); !errors.Is(err, appErr.ErrRequestMismatch) {
		t.Fatalf("expected replayed fulfillment to be rejected, got %v", err)
	}
}

func TestRequestRandomnessGuards(t *testing.T) {
	t.Run("before finish", func(t *testing.T) {
		db, svc, _, _ := newTestService(t)
		r := createRound(t, svc)
		placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

		if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrRoundNotFinished) {
			t.Fatalf("expected request before finish to fail, got %v", err)
		}
	})

	t.Run("window elapsed", func(t *testing.T) {
		db, svc, _, _ := newTestService(t)
		r := createRound(t, svc)
		placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})
		setFinish(t, db, r.ID, time.Now().Add(-2*time.Hour))

		if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrRequestWindowOver) {
			t.Fatalf("expected elapsed window to fail, got %v", err)
		}
	})

	t.Run("no bets", func(t *testing.T) {
		db, svc, _, _ := newTestService(t)
		r := createRound(t, svc)
		setFinish(t, db, r.ID, time.Now().Add(-time.Minute))

		if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrNoBets) {
			t.Fatalf("expected empty round to fail, got %v", err)
		}
	})

	t.Run("pool calculation locked", func(t *testing.T) {
		db, svc, poolLock, _ := newTestService(t)
		r := createRound(t, svc)
		placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})
		setFinish(t, db, r.ID, time.Now().Add(-time.Minute))
		poolLock.locked = true

		if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrCalculationLocked) {
			t.Fatalf("expected locked pool to fail, got %v", err)
		}
	})

	t.Run("pool underfunded", func(t *testing.T) {
		db, svc, _, _ := newTestService(t)
		r := createRound(t, svc)
		placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})
		setFinish(t, db, r.ID, time.Now().Add(-time.Minute))

		if _, err := svc.RequestRandomness(context.Background(), r.ID); !errors.Is(err, appErr.ErrInsufficientPoolFunds) {
			t.Fatalf("expected underfunded pool to fail, got %v", err)
		}
	})
}

func TestRefundFlow(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)

	placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})
	placeBet(t, db, r.ID, 2, []ticket.Ticket{
		makeTicket(t, 2, 6, 7, 8, 9, 10),
		makeTicket(t, 3, 11, 12, 13, 14, 15),
	})

	// Too early while the request window is still open.
	setFinish(t, db, r.ID, time.Now().Add(-time.Minute))
	if _, err := svc.StartRefund(context.Background(), r.ID); !errors.Is(err, appErr.ErrRefundTooEarly) {
		t.Fatalf("expected early refund to fail, got %v", err)
	}

	setFinish(t, db, r.ID, time.Now().Add(-2*time.Hour))
	updated, err := svc.StartRefund(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("start refund failed: %v", err)
	}
	if updated.Status != model.RoundStatusRefunding {
		t.Fatalf("expected refunding status, got %s", updated.Status)
	}

	if _, err := svc.Refund(context.Background(), r.ID, 1, 2); !errors.Is(err, appErr.ErrInvalidRefundRange) {
		t.Fatalf("expected out-of-range window to fail, got %v", err)
	}

	refunded, err := svc.Refund(context.Background(), r.ID, 0, 2)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded != 2 {
		t.Fatalf("expected 2 refunds, got %d", refunded)
	}
	if got := balance(t, db, token.PlayerAddress(1)); got != testPrice {
		t.Fatalf("expected player 1 stake back, got %d", got)
	}
	if got := balance(t, db, token.PlayerAddress(2)); got != 2*testPrice {
		t.Fatalf("expected player 2 stake back, got %d", got)
	}
	if got := balance(t, db, token.RoundAddress(r.ID)); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}

	// Replaying the same window pays nobody twice.
	refunded, err = svc.Refund(context.Background(), r.ID, 0, 2)
	if err != nil {
		t.Fatalf("replayed refund failed: %v", err)
	}
	if refunded != 0 {
		t.Fatalf("expected idempotent replay, got %d refunds", refunded)
	}
}

func TestUpdateFinishExtendsOnly(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)

	if _, err := svc.UpdateFinish(context.Background(), r.ID, r.FinishAt.Add(-time.Minute)); !errors.Is(err, appErr.ErrInvalidFinishTime) {
		t.Fatalf("expected shortening to be rejected, got %v", err)
	}

	later := r.FinishAt.Add(time.Hour)
	updated, err := svc.UpdateFinish(context.Background(), r.ID, later)
	if err != nil {
		t.Fatalf("extension failed: %v", err)
	}
	if !updated.FinishAt.After(r.FinishAt) {
		t.Fatalf("expected finish time to move forward, got %v", updated.FinishAt)
	}

	setFinish(t, db, r.ID, time.Now().Add(-2*time.Hour))
	if _, err := svc.StartRefund(context.Background(), r.ID); err != nil {
		t.Fatalf("start refund failed: %v", err)
	}
	if _, err := svc.UpdateFinish(context.Background(), r.ID, time.Now().Add(time.Hour)); !errors.Is(err, appErr.ErrRoundNotOpen) {
		t.Fatalf("expected closed round to reject extension, got %v", err)
	}
}

func TestRecoverFlow(t *testing.T) {
	db, svc, _, _ := newTestService(t)
	r := createRound(t, svc)
	placeBet(t, db, r.ID, 1, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

	table, _ := ticket.TableForFee(testFee)
	reserve := int64(testPrice) * table.MaxShares()
	credit(t, db, token.PoolAddress, reserve)
	setFinish(t, db, r.ID, time.Now().Add(-time.Minute))

	if _, err := svc.StartRecover(context.Background(), r.ID); !errors.Is(err, appErr.ErrRoundNotFinished) {
		t.Fatalf("expected recover on an open round to fail, got %v", err)
	}

	if _, err := svc.RequestRandomness(context.Background(), r.ID); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if _, err := svc.StartRecover(context.Background(), r.ID); !errors.Is(err, appErr.ErrRecoverTooEarly) {
		t.Fatalf("expected early recover to fail, got %v", err)
	}

	requestedAt := time.Now().Add(-2 * time.Hour)
	err := db.Model(&model.Round{}).
		Where("id = ?", r.ID).
		Update("requested_at", requestedAt).Error
	if err != nil {
		t.Fatalf("failed to age the request: %v", err)
	}

	updated, err := svc.StartRecover(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if updated.Status != model.RoundStatusRecovering {
		t.Fatalf("expected recovering status, got %s", updated.Status)
	}
	if got := balance(t, db, token.RoundAddress(r.ID)); got != 0 {
		t.Fatalf("expected swept escrow, got %d", got)
	}
	if got := balance(t, db, token.PoolAddress); got != reserve+testPrice {
		t.Fatalf("expected pool to recover reserve and stake, got %d", got)
	}
}
