package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/auth"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/events"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

const referenceCodeAttempts = 5

// AuthService coordinates registration and login flows.
type AuthService struct {
	users      repository.UserRepository
	tx         repository.TxManager
	closure    *ClosureService
	referrals  *ReferralService
	dispatcher events.Dispatcher
	tokenMgr   *auth.TokenManager
	bcryptCost int
	logger     *zap.Logger
}

// AuthDependencies encapsulates requirements for the auth service.
type AuthDependencies struct {
	UserRepo   repository.UserRepository
	TxManager  repository.TxManager
	Closure    *ClosureService
	Referrals  *ReferralService
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Name         string
	Email        string
	Password     string
	Phone        *string
	ReferralCode *string
}

// NewAuthService builds the service.
func NewAuthService(cfg config.Config, deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:      deps.UserRepo,
		tx:         deps.TxManager,
		closure:    deps.Closure,
		referrals:  deps.Referrals,
		dispatcher: deps.Dispatcher,
		tokenMgr:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes),
		bcryptCost: cfg.Auth.BcryptCost,
		logger:     logger,
	}
}

// RegisterUser creates the account and, when a referral code is given, its
// closure rows in the same transaction.
func (s *AuthService) RegisterUser(ctx context.Context, in RegisterInput) (*domain.User, string, time.Time, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", time.Time{}, apperrors.NewConflict("email already registered", nil)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", time.Time{}, err
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return nil, "", time.Time{}, apperrors.NewValidationError("password too long", nil)
	}
	if err != nil {
		return nil, "", time.Time{}, err
	}

	user := &domain.User{
		Name:         strings.TrimSpace(in.Name),
		Email:        email,
		Phone:        in.Phone,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Status:       domain.UserStatusActive,
	}
	var referrerRef string
	if in.ReferralCode != nil {
		referrerRef = strings.ToUpper(strings.TrimSpace(*in.ReferralCode))
	}

	var rows []domain.ClosureRow
	for attempt := 1; ; attempt++ {
		rows, err = s.createAccount(ctx, user, referrerRef)
		if err == nil {
			break
		}
		// A concurrent registration can take the drawn code between the
		// lookup and the insert; draw again.
		if !repository.IsDuplicateOn(err, repository.ConstraintUserReferenceCode) || attempt == referenceCodeAttempts {
			return nil, "", time.Time{}, err
		}
		s.logger.Warn("reference code collision", zap.String("ref", user.ReferenceCode), zap.Int("attempt", attempt))
	}

	if referrerRef != "" {
		s.referrals.InvalidateFor(ctx, user)
		s.publish(ctx, events.NewEvent(events.EventReferralCreated, user.ID, events.Actor{UserID: &user.ID, Role: user.Role},
			events.ReferralCreatedPayload{ReferenceCode: user.ReferenceCode, ReferrerRef: referrerRef, ClosureRows: len(rows)}))
	}

	token, exp, err := s.tokenMgr.GenerateToken(user.ID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, exp, nil
}

// createAccount inserts user and its closure rows in one transaction.
func (s *AuthService) createAccount(ctx context.Context, user *domain.User, referrerRef string) ([]domain.ClosureRow, error) {
	var rows []domain.ClosureRow
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		user.ID = ""
		user.ReferrerRef = nil
		ref, err := s.newReferenceCode(ctx)
		if err != nil {
			return err
		}
		user.ReferenceCode = ref
		if referrerRef != "" {
			if err := s.closure.ValidateEdge(ctx, ref, referrerRef); err != nil {
				return err
			}
			user.ReferrerRef = &referrerRef
		}
		if err := s.users.Create(ctx, user); err != nil {
			if repository.IsDuplicateOn(err, repository.ConstraintUserEmail) {
				return apperrors.NewConflict("email already registered", nil)
			}
			return err
		}
		if referrerRef == "" {
			return nil
		}
		rows, err = s.closure.AddEdge(ctx, user.ReferenceCode, referrerRef)
		return err
	})
	return rows, err
}

// LoginUser authenticates an end-user. Unknown and deleted accounts look like a bad password.
func (s *AuthService) LoginUser(ctx context.Context, email, password string) (*domain.User, string, time.Time, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = auth.RejectUnknownAccount(password)
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if user.IsDeleted() {
		_ = auth.RejectUnknownAccount(password)
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	token, exp, err := s.tokenMgr.GenerateToken(user.ID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, exp, nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

// newReferenceCode draws REF- codes until one is unused.
func (s *AuthService) newReferenceCode(ctx context.Context) (string, error) {
	for i := 0; i < referenceCodeAttempts; i++ {
		id := uuid.New()
		code := "REF-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
		_, err := s.users.GetByReferenceCode(ctx, code)
		if errors.Is(err, pgx.ErrNoRows) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free reference code after %d attempts", referenceCodeAttempts)
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event dropped", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
