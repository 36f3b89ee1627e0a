// Package ownership is the transferable bet-token registry. Transferring a
// token re-points the bet's recorded owner in the same transaction, so
// there is never a claim window where token holder and payout target
// disagree.
package ownership

import (
	"context"
	"time"

	"lotto-service/internal/model"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Mint creates the ownership token for a freshly placed bet, inside the
// caller's transaction.
func Mint(tx *gorm.DB, betID, ownerID int64) error {
	return tx.Create(&model.BetToken{
		TokenID:   betID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}).Error
}

func (s *Service) OwnerOf(ctx context.Context, tokenID int64) (int64, error) {
	var tok model.BetToken
	err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&tok).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, appErr.ErrBetNotFound
		}
		return 0, err
	}
	return tok.OwnerID, nil
}

// Transfer moves the token to a new holder and updates the bet's recorded
// owner atomically. Only the current holder may transfer.
func (s *Service) Transfer(ctx context.Context, callerID, tokenID, newOwnerID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tok model.BetToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ?", tokenID).
			First(&tok).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.ErrBetNotFound
			}
			return err
		}
		if tok.OwnerID != callerID {
			return appErr.ErrNotBetOwner
		}

		tok.OwnerID = newOwnerID
		tok.UpdatedAt = time.Now()
		if err := tx.Save(&tok).Error; err != nil {
			return err
		}

		return tx.Model(&model.Bet{}).
			Where("id = ?", tokenID).
			Update("owner_id", newOwnerID).Error
	})
	if err != nil {
		return err
	}

	logger.Log.Info("bet ownership transferred",
		zap.Int64("tokenID", tokenID),
		zap.Int64("from", callerID),
		zap.Int64("to", newOwnerID),
	)
	return nil
}
