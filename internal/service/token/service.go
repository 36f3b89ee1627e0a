// Package token implements the fungible settlement-asset ledger. Balances
// live in the accounts table; escrow accounts exist per round next to the
// shared pool and jackpot accounts.
package token

import (
	"context"
	"fmt"
	"time"

	"lotto-service/internal/model"
	appErr "lotto-service/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	PoolAddress    = "pool"
	JackpotAddress = "jackpot"
)

func PlayerAddress(playerID int64) string {
	return fmt.Sprintf("player:%d", playerID)
}

func RoundAddress(roundID int64) string {
	return fmt.Sprintf("round:%d", roundID)
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Transfer(ctx context.Context, from, to string, amount int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return Transfer(tx, from, to, amount)
	})
}

func (s *Service) Mint(ctx context.Context, to string, amount int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return Credit(tx, to, amount)
	})
}

func (s *Service) BalanceOf(ctx context.Context, addr string) (int64, error) {
	return BalanceOf(s.db.WithContext(ctx), addr)
}

// Transfer moves funds between two accounts inside the caller's
// transaction. The debit side is row-locked; insufficient funds abort the
// whole transaction, a transfer never silently degrades.
func Transfer(tx *gorm.DB, from, to string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative transfer", appErr.ErrWrongAmount)
	}

	var src model.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("address = ?", from).
		First(&src).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("%w: account %s", appErr.ErrInsufficientBalance, from)
		}
		return err
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: account %s", appErr.ErrInsufficientBalance, from)
	}

	src.Balance -= amount
	src.UpdatedAt = time.Now()
	if err := tx.Save(&src).Error; err != nil {
		return err
	}
	return Credit(tx, to, amount)
}

// Credit adds funds to an account, creating it on first use.
func Credit(tx *gorm.DB, to string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative credit", appErr.ErrWrongAmount)
	}

	var dst model.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("address = ?", to).
		First(&dst).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		dst = model.Account{Address: to}
	}
	dst.Balance += amount
	dst.UpdatedAt = time.Now()
	return tx.Save(&dst).Error
}

// BalanceOf reads an account balance; missing accounts hold zero.
func BalanceOf(tx *gorm.DB, addr string) (int64, error) {
	var acc model.Account
	err := tx.Where("address = ?", addr).First(&acc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return acc.Balance, nil
}
