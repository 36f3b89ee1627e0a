// Package oracle manages the shared verifiable-randomness subscription:
// prefunded balance, per-round consumer registration and request-id
// issuance. Fulfillments arrive later through the API callback and are
// routed to the round controller by request id.
package oracle

import (
	"context"
	"fmt"
	"time"

	"lotto-service/internal/model"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	subscriptionID = 1
	requestSeqKey  = "oracle:request_seq"
)

type Service struct {
	db          *gorm.DB
	rdb         *redis.Client
	requestCost int64
}

func NewService(db *gorm.DB, rdb *redis.Client, requestCost int64) *Service {
	return &Service{db: db, rdb: rdb, requestCost: requestCost}
}

// Fund adds prefunded balance to the shared subscription.
func (s *Service) Fund(ctx context.Context, amount int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := loadSubscription(tx)
		if err != nil {
			return err
		}
		sub.Balance += amount
		sub.UpdatedAt = time.Now()
		return tx.Save(sub).Error
	})
}

func (s *Service) Balance(ctx context.Context) (int64, error) {
	sub, err := loadSubscription(s.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return sub.Balance, nil
}

// EnsureFunded fails round creation when the subscription balance sits
// below the operational floor. That is a funding problem, not a logic bug.
func (s *Service) EnsureFunded(ctx context.Context, floor int64) error {
	balance, err := s.Balance(ctx)
	if err != nil {
		return err
	}
	if balance < floor {
		return fmt.Errorf("%w: balance %d below floor %d", appErr.ErrSubscriptionUnderfunded, balance, floor)
	}
	return nil
}

// AddConsumer authorizes a round to draw requests from the subscription.
func (s *Service) AddConsumer(ctx context.Context, roundID int64) error {
	return s.db.WithContext(ctx).Create(&model.OracleConsumer{
		SubscriptionID: subscriptionID,
		RoundID:        roundID,
	}).Error
}

// Request charges the subscription and issues a new positive request id.
// A non-positive id means the provider rejected the request.
func (s *Service) Request(ctx context.Context, roundID int64) (int64, error) {
	var registered int64
	err := s.db.WithContext(ctx).Model(&model.OracleConsumer{}).
		Where("round_id = ?", roundID).
		Count(&registered).Error
	if err != nil {
		return 0, err
	}
	if registered == 0 {
		return 0, fmt.Errorf("%w: round %d is not a consumer", appErr.ErrOracleRequestRejected, roundID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := loadSubscription(tx)
		if err != nil {
			return err
		}
		if sub.Balance < s.requestCost {
			return fmt.Errorf("%w: subscription balance %d", appErr.ErrSubscriptionUnderfunded, sub.Balance)
		}
		sub.Balance -= s.requestCost
		sub.UpdatedAt = time.Now()
		return tx.Save(sub).Error
	})
	if err != nil {
		return 0, err
	}

	requestID, err := s.rdb.Incr(ctx, requestSeqKey).Result()
	if err != nil {
		return 0, err
	}
	if requestID <= 0 {
		return 0, appErr.ErrOracleRequestRejected
	}

	logger.Log.Info("randomness requested",
		zap.Int64("roundID", roundID),
		zap.Int64("requestID", requestID),
	)
	return requestID, nil
}

func loadSubscription(tx *gorm.DB) (*model.OracleSubscription, error) {
	var sub model.OracleSubscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", subscriptionID).
		First(&sub).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
		sub = model.OracleSubscription{ID: subscriptionID}
		if err := tx.Create(&sub).Error; err != nil {
			return nil, err
		}
	}
	return &sub, nil
}
