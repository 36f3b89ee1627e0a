package repo

import (
	"log"

	"lotto-service/internal/config"
	"lotto-service/internal/model"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB() {
	dsn := config.GlobalConfig.Database.DSN
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to database",
			zap.Error(err),
		)
	}

	if err := DB.AutoMigrate(Models()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
}

// Models lists every persisted type; tests reuse it against sqlite.
func Models() []interface{} {
	return []interface{}{
		&model.Round{},
		&model.Bet{},
		&model.TicketRecord{},
		&model.Account{},
		&model.LotteryState{},
		&model.OracleSubscription{},
		&model.OracleConsumer{},
		&model.BetToken{},
		&model.Operator{},
		&model.SettlementLog{},
	}
}
