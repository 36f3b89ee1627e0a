package service

import (
	"context"
	"time"

	"lotto-service/internal/config"
	"lotto-service/internal/service/bet"
	"lotto-service/internal/service/lottery"
	"lotto-service/internal/service/operator"
	"lotto-service/internal/service/oracle"
	"lotto-service/internal/service/ownership"
	"lotto-service/internal/service/pool"
	"lotto-service/internal/service/round"
	"lotto-service/internal/service/token"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Lottery   *lottery.Service
	Round     *round.Service
	Bet       *bet.Service
	Token     *token.Service
	Pool      *pool.Service
	Oracle    *oracle.Service
	Ownership *ownership.Service
	Operator  *operator.Service
}

func NewContainer(db *gorm.DB, rdb *redis.Client) *Container {
	cfg := config.GlobalConfig.Lottery

	poolSvc := pool.NewService(db, rdb)
	oracleSvc := oracle.NewService(db, rdb, cfg.OracleRequestCost)
	roundSvc := round.NewService(db, round.Config{
		RequestPeriod:  time.Duration(cfg.RequestPeriodSec) * time.Second,
		RecoverTimeout: time.Duration(cfg.RecoverTimeoutSec) * time.Second,
	}, poolSvc, oracleSvc)

	return &Container{
		Lottery:   lottery.NewService(db, cfg, roundSvc, oracleSvc),
		Round:     roundSvc,
		Bet:       bet.NewService(db),
		Token:     token.NewService(db),
		Pool:      poolSvc,
		Oracle:    oracleSvc,
		Ownership: ownership.NewService(db),
		Operator:  operator.NewService(db),
	}
}

func (c *Container) Start(ctx context.Context) error {
	return c.Operator.EnsureDefaultOperator(ctx)
}
