// Package pool fronts the staking/treasury pool: it supplies the reserved
// payout exposure for each round, receives the house cut at settlement and
// exposes the pool-wide calculation lock other settlement jobs take.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lotto-service/internal/service/token"
	appErr "lotto-service/pkg/errors"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const calcLockKey = "pool:calc_lock"

type Service struct {
	db  *gorm.DB
	rdb *redis.Client
}

func NewService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{db: db, rdb: rdb}
}

// Reserve moves the round's maximum payout exposure from the pool into the
// round escrow, inside the caller's transaction.
func Reserve(tx *gorm.DB, roundID, amount int64) error {
	err := token.Transfer(tx, token.PoolAddress, token.RoundAddress(roundID), amount)
	if errors.Is(err, appErr.ErrInsufficientBalance) {
		return fmt.Errorf("%w: need %d", appErr.ErrInsufficientPoolFunds, amount)
	}
	return err
}

func (s *Service) Deposit(ctx context.Context, amount int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return token.Credit(tx, token.PoolAddress, amount)
	})
}

func (s *Service) Balance(ctx context.Context) (int64, error) {
	return token.BalanceOf(s.db.WithContext(ctx), token.PoolAddress)
}

// IsCalculationLocked reports whether a pool-wide settlement is in
// progress. Randomness requests must not reserve funds while it is held.
func (s *Service) IsCalculationLocked(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, calcLockKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LockCalculation takes the cooperative lock; false means another
// settlement already holds it.
func (s *Service) LockCalculation(ctx context.Context, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, calcLockKey, time.Now().Unix(), ttl).Result()
}

func (s *Service) UnlockCalculation(ctx context.Context) error {
	return s.rdb.Del(ctx, calcLockKey).Err()
}
