package operator

import (
	"context"
	"strings"
	"time"

	"lotto-service/internal/config"
	"lotto-service/internal/model"
	pkgAuth "lotto-service/pkg/auth"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type LoginResult struct {
	Token    string       `json:"token"`
	ExpireAt time.Time    `json:"expireAt"`
	Operator OperatorInfo `json:"operator"`
}

type OperatorInfo struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, appErr.ErrInvalidOperatorLogin
	}

	var op model.Operator
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&op).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrOperatorNotFound
		}
		return nil, err
	}
	if !strings.EqualFold(op.Status, "active") {
		return nil, appErr.ErrOperatorDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, appErr.ErrInvalidOperatorLogin
	}

	token, err := pkgAuth.GenerateOperatorToken(op.ID)
	if err != nil {
		return nil, err
	}
	expireAt := time.Now().Add(time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour)

	now := time.Now()
	if err := s.db.WithContext(ctx).
		Model(&op).
		Updates(map[string]interface{}{
			"last_login_at": now,
			"updated_at":    now,
		}).Error; err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:    token,
		ExpireAt: expireAt,
		Operator: sanitizeOperator(op),
	}, nil
}

func (s *Service) EnsureDefaultOperator(ctx context.Context) error {
	cfg := config.GlobalConfig.Operator
	if cfg.DefaultUsername == "" || cfg.DefaultPassword == "" {
		logger.Log.Warn("default operator credentials not configured; skipping bootstrap")
		return nil
	}

	var exists int64
	if err := s.db.WithContext(ctx).
		Model(&model.Operator{}).
		Where("username = ?", cfg.DefaultUsername).
		Count(&exists).Error; err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DefaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	op := model.Operator{
		Username:     cfg.DefaultUsername,
		PasswordHash: string(hash),
		DisplayName:  cfg.DefaultUsername,
		Status:       "active",
	}
	if err := s.db.WithContext(ctx).Create(&op).Error; err != nil {
		return err
	}
	logger.Log.Info("default operator account created",
		zap.String("username", cfg.DefaultUsername))
	return nil
}

func sanitizeOperator(op model.Operator) OperatorInfo {
	return OperatorInfo{
		ID:          op.ID,
		Username:    op.Username,
		DisplayName: op.DisplayName,
		Status:      op.Status,
		LastLoginAt: op.LastLoginAt,
		CreatedAt:   op.CreatedAt,
	}
}
