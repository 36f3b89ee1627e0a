package lottery_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lotto-service/internal/config"
	"lotto-service/internal/model"
	"lotto-service/internal/repo"
	"lotto-service/internal/service/lottery"
	"lotto-service/internal/service/ownership"
	"lotto-service/internal/service/round"
	"lotto-service/internal/service/token"
	"lotto-service/internal/ticket"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testPrice = 100

type fakePoolLock struct{}

func (fakePoolLock) IsCalculationLocked(ctx context.Context) (bool, error) {
	return false, nil
}

type fakeOracle struct {
	lastID int64
}

func (f *fakeOracle) Request(ctx context.Context, roundID int64) (int64, error) {
	f.lastID++
	return f.lastID, nil
}

type fakeOracleAdmin struct {
	fundErr error
}

func (f *fakeOracleAdmin) EnsureFunded(ctx context.Context, floor int64) error {
	return f.fundErr
}

func (f *fakeOracleAdmin) AddConsumer(ctx context.Context, roundID int64) error {
	return nil
}

type testEnv struct {
	db       *gorm.DB
	lottery  *lottery.Service
	rounds   *round.Service
	oracle   *fakeOracleAdmin
	reserved int64
}

func newTestEnv(t *testing.T) *testEnv {
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

	cfg := config.LotteryConfig{
		TicketPrice:            testPrice,
		JackpotFeePercent:      4,
		MaxTicketsPerBet:       9,
		MinSubscriptionBalance: 1000,
		OracleRequestCost:      1,
	}
	roundSvc := round.NewService(db, round.Config{
		RequestPeriod:  time.Hour,
		RecoverTimeout: time.Hour,
	}, fakePoolLock{}, &fakeOracle{})
	oracleAdmin := &fakeOracleAdmin{}

	table, _ := ticket.TableForFee(cfg.JackpotFeePercent)
	return &testEnv{
		db:       db,
		lottery:  lottery.NewService(db, cfg, roundSvc, oracleAdmin),
		rounds:   roundSvc,
		oracle:   oracleAdmin,
		reserved: cfg.TicketPrice * table.MaxShares(),
	}
}

func makeTicket(t *testing.T, symbol uint8, numbers ...int) ticket.Ticket {
	t.Helper()

	m, err := ticket.MaskFromNumbers(numbers)
	if err != nil {
		t.Fatalf("failed to build mask from %v: %v", numbers, err)
	}
	return ticket.Ticket{Symbol: symbol, Numbers: m}
}

func (e *testEnv) credit(t *testing.T, addr string, amount int64) {
	t.Helper()

	if err := token.Credit(e.db, addr, amount); err != nil {
		t.Fatalf("failed to credit %s: %v", addr, err)
	}
}

func (e *testEnv) balance(t *testing.T, addr string) int64 {
	t.Helper()

	held, err := token.BalanceOf(e.db, addr)
	if err != nil {
		t.Fatalf("failed to read balance of %s: %v", addr, err)
	}
	return held
}

func (e *testEnv) createRound(t *testing.T) *model.Round {
	t.Helper()

	r, err := e.lottery.CreateRound(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to create round: %v", err)
	}
	return r
}

func (e *testEnv) placeBet(t *testing.T, playerID, roundID int64, tickets []ticket.Ticket) *model.Bet {
	t.Helper()

	amount := testPrice * int64(len(tickets))
	e.credit(t, token.PlayerAddress(playerID), amount)
	b, err := e.lottery.PlaceBet(context.Background(), playerID, roundID, amount, tickets)
	if err != nil {
		t.Fatalf("failed to place bet: %v", err)
	}
	return b
}

// draw finishes betting and settles the winning draw to numbers 1-5 with
// symbol 1 (the all-zero words derivation).
func (e *testEnv) draw(t *testing.T, roundID int64) {
	t.Helper()

	err := e.db.Model(&model.Round{}).
		Where("id = ?", roundID).
		Update("finish_at", time.Now().Add(-time.Minute)).Error
	if err != nil {
		t.Fatalf("failed to move finish time: %v", err)
	}

	pending, err := e.rounds.RequestRandomness(context.Background(), roundID)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if _, err := e.rounds.Fulfill(context.Background(), pending.RequestID, [6]uint64{}); err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}
}

func TestJackpotAutoClaimAndSweep(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, token.PoolAddress, env.reserved)
	r := env.createRound(t)

	winner := env.placeBet(t, 1, r.ID, []ticket.Ticket{
		makeTicket(t, 1, 1, 2, 3, 4, 5),
		makeTicket(t, 2, 6, 7, 8, 9, 10),
		makeTicket(t, 3, 11, 12, 13, 14, 15),
	})
	loser := env.placeBet(t, 2, r.ID, []ticket.Ticket{makeTicket(t, 2, 21, 22, 23, 24, 25)})

	env.draw(t, r.ID)

	autoClaim, err := env.lottery.ProcessJackpot(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("jackpot processing failed: %v", err)
	}
	if autoClaim == nil || autoClaim.BetID != winner.ID || !autoClaim.Jackpot {
		t.Fatalf("expected the unlocked winner to be auto-claimed, got %+v", autoClaim)
	}

	// Jackpot coefficient times price, plus this round's own fee cut,
	// which was the whole accumulator.
	cut := int64(4) * testPrice * 4 / 100
	wantPayout := int64(40000)*testPrice + cut
	if autoClaim.Payout != wantPayout {
		t.Fatalf("expected payout %d, got %d", wantPayout, autoClaim.Payout)
	}
	if got := env.balance(t, token.PlayerAddress(1)); got != wantPayout {
		t.Fatalf("expected winner balance %d, got %d", wantPayout, got)
	}

	jackpot, err := env.lottery.Jackpot(context.Background())
	if err != nil {
		t.Fatalf("failed to read jackpot: %v", err)
	}
	if jackpot != 0 {
		t.Fatalf("expected accumulator reset after a jackpot win, got %d", jackpot)
	}

	var stored model.Round
	if err := env.db.First(&stored, r.ID).Error; err != nil {
		t.Fatalf("failed to reload round: %v", err)
	}
	if !stored.JackpotWon || stored.Status != model.RoundStatusSettling {
		t.Fatalf("unexpected round state: %+v", stored)
	}

	if _, err := env.lottery.Claim(context.Background(), winner.ID); !errors.Is(err, appErr.ErrAlreadyClaimed) {
		t.Fatalf("expected replayed claim to fail, got %v", err)
	}

	result, err := env.lottery.Claim(context.Background(), loser.ID)
	if err != nil {
		t.Fatalf("losing claim failed: %v", err)
	}
	if result.Payout != 0 || result.Jackpot {
		t.Fatalf("expected empty payout for the losing bet, got %+v", result)
	}

	// After the last claim everything is conserved: the escrow is swept
	// and the jackpot account holds nothing.
	if got := env.balance(t, token.RoundAddress(r.ID)); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}
	if got := env.balance(t, token.JackpotAddress); got != 0 {
		t.Fatalf("expected empty jackpot account, got %d", got)
	}
	total := env.balance(t, token.PoolAddress) +
		env.balance(t, token.PlayerAddress(1)) +
		env.balance(t, token.PlayerAddress(2))
	if want := env.reserved + winner.Amount + loser.Amount; total != want {
		t.Fatalf("funds not conserved: have %d, want %d", total, want)
	}
}

func TestJackpotRollsOverWithoutUnlockedWinner(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, token.PoolAddress, env.reserved)
	r := env.createRound(t)

	// One ticket only: five matches and the right symbol, but the symbol
	// bonus stays locked below three tickets.
	b := env.placeBet(t, 1, r.ID, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

	env.draw(t, r.ID)

	autoClaim, err := env.lottery.ProcessJackpot(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("jackpot processing failed: %v", err)
	}
	if autoClaim != nil {
		t.Fatalf("expected no auto-claim for a locked-symbol bet, got %+v", autoClaim)
	}

	cut := int64(1) * testPrice * 4 / 100
	jackpot, err := env.lottery.Jackpot(context.Background())
	if err != nil {
		t.Fatalf("failed to read jackpot: %v", err)
	}
	if jackpot != cut {
		t.Fatalf("expected accumulator %d, got %d", cut, jackpot)
	}

	result, err := env.lottery.Claim(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if result.Jackpot {
		t.Fatalf("expected no jackpot tier for a locked symbol")
	}
	if want := int64(15000) * testPrice; result.Payout != want {
		t.Fatalf("expected five-match payout %d, got %d", want, result.Payout)
	}

	// The accumulator survives for the next round.
	jackpot, err = env.lottery.Jackpot(context.Background())
	if err != nil {
		t.Fatalf("failed to read jackpot: %v", err)
	}
	if jackpot != cut {
		t.Fatalf("expected accumulator to roll over with %d, got %d", cut, jackpot)
	}

	var stored model.Round
	if err := env.db.First(&stored, r.ID).Error; err != nil {
		t.Fatalf("failed to reload round: %v", err)
	}
	if stored.JackpotWon {
		t.Fatalf("expected no jackpot flag on the round")
	}
	if got := env.balance(t, token.RoundAddress(r.ID)); got != 0 {
		t.Fatalf("expected the last claim to sweep the escrow, got %d", got)
	}
}

func TestClaimRequiresSettling(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, token.PoolAddress, env.reserved)
	r := env.createRound(t)
	b := env.placeBet(t, 1, r.ID, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

	if _, err := env.lottery.Claim(context.Background(), b.ID); !errors.Is(err, appErr.ErrRoundNotSettling) {
		t.Fatalf("expected claim on an open round to fail, got %v", err)
	}

	env.draw(t, r.ID)

	// Drawn but jackpot not yet processed.
	if _, err := env.lottery.Claim(context.Background(), b.ID); !errors.Is(err, appErr.ErrRoundNotSettling) {
		t.Fatalf("expected claim before jackpot processing to fail, got %v", err)
	}
}

func TestTransferRedirectsPayout(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, token.PoolAddress, env.reserved)
	r := env.createRound(t)

	b := env.placeBet(t, 1, r.ID, []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)})

	owners := ownership.NewService(env.db)
	if err := owners.Transfer(context.Background(), 2, b.ID, 3); !errors.Is(err, appErr.ErrNotBetOwner) {
		t.Fatalf("expected transfer by a non-holder to fail, got %v", err)
	}
	if err := owners.Transfer(context.Background(), 1, b.ID, 3); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	env.draw(t, r.ID)
	if _, err := env.lottery.ProcessJackpot(context.Background(), r.ID); err != nil {
		t.Fatalf("jackpot processing failed: %v", err)
	}

	result, err := env.lottery.Claim(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if got := env.balance(t, token.PlayerAddress(3)); got != result.Payout {
		t.Fatalf("expected the new owner to receive %d, got %d", result.Payout, got)
	}
	if got := env.balance(t, token.PlayerAddress(1)); got != 0 {
		t.Fatalf("expected the seller to receive nothing, got %d", got)
	}
}

func TestPlaceBetGuards(t *testing.T) {
	env := newTestEnv(t)
	r := env.createRound(t)
	tickets := []ticket.Ticket{makeTicket(t, 1, 1, 2, 3, 4, 5)}

	env.credit(t, token.PlayerAddress(1), 10*testPrice)
	if _, err := env.lottery.PlaceBet(context.Background(), 1, r.ID, testPrice-1, tickets); !errors.Is(err, appErr.ErrWrongAmount) {
		t.Fatalf("expected wrong amount to be rejected, got %v", err)
	}

	// Player 2 holds nothing.
	if _, err := env.lottery.PlaceBet(context.Background(), 2, r.ID, testPrice, tickets); !errors.Is(err, appErr.ErrInsufficientBalance) {
		t.Fatalf("expected unfunded player to be rejected, got %v", err)
	}

	b, err := env.lottery.PlaceBet(context.Background(), 1, r.ID, testPrice, tickets)
	if err != nil {
		t.Fatalf("failed to place bet: %v", err)
	}

	fresh := []ticket.Ticket{makeTicket(t, 2, 6, 7, 8, 9, 10)}
	if err := env.lottery.EditTicket(context.Background(), 2, b.ID, fresh); !errors.Is(err, appErr.ErrNotBetOwner) {
		t.Fatalf("expected edit by a stranger to fail, got %v", err)
	}
	if err := env.lottery.EditTicket(context.Background(), 1, b.ID, fresh); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
}

func TestQuickPick(t *testing.T) {
	env := newTestEnv(t)
	r := env.createRound(t)

	env.credit(t, token.PlayerAddress(1), 3*testPrice)
	b, err := env.lottery.QuickPick(context.Background(), 1, r.ID, 3)
	if err != nil {
		t.Fatalf("quick pick failed: %v", err)
	}
	if b.TicketCount != 3 || b.Amount != 3*testPrice {
		t.Fatalf("unexpected quick pick bet: %+v", b)
	}
	if !b.SymbolUnlocked {
		t.Fatalf("expected three quick picks to unlock the symbol")
	}
}

func TestCreateRoundUnderfundedSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.fundErr = appErr.ErrSubscriptionUnderfunded

	_, err := env.lottery.CreateRound(context.Background(), time.Now().Add(time.Hour))
	if !errors.Is(err, appErr.ErrSubscriptionUnderfunded) {
		t.Fatalf("expected underfunded subscription to block creation, got %v", err)
	}

	env.oracle.fundErr = nil
	r := env.createRound(t)

	state, err := env.lottery.State(context.Background())
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if state.CurrentRoundID != r.ID {
		t.Fatalf("expected current round %d, got %d", r.ID, state.CurrentRoundID)
	}
}
