package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/pkg/initdata"
	"github.com/Gopher0727/Orbo/internal/repository"
	"github.com/Gopher0727/Orbo/middleware/jwt"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

var (
	ErrIdentityNotLinked = errors.New("platform identity is not linked to an orbo user")
	ErrInvalidToken      = errors.New("invalid token")
)

// TelegramAuthRequest carries the raw launch payload from the mini-app.
type TelegramAuthRequest struct {
	InitData string `json:"init_data" binding:"required"`
}

// DeepLink is the parsed form of a start_param token.
type DeepLink struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// TelegramAuthResponse represents the response after a successful launch
type TelegramAuthResponse struct {
	Token        string        `json:"token"`
	ExpiresIn    int64         `json:"expires_in"`
	UserID       string        `json:"user_id"`
	TelegramUser initdata.User `json:"telegram_user"`
	StartParam   string        `json:"start_param,omitempty"`
	DeepLink     *DeepLink     `json:"deep_link,omitempty"`
}

// IAuthService defines the interface for authentication operations
type IAuthService interface {
	AuthenticateTelegram(ctx context.Context, req *TelegramAuthRequest) (*TelegramAuthResponse, error)
	RefreshToken(ctx context.Context, token string) (string, error)
}

// AuthService implements the IAuthService interface
type AuthService struct {
	validator    *initdata.Validator
	links        repository.IIdentityLinkRepository
	tokenManager *jwt.TokenManager
	log          *logger.Logger
}

// NewAuthService creates a new IAuthService instance
func NewAuthService(
	validator *initdata.Validator,
	links repository.IIdentityLinkRepository,
	tokenManager *jwt.TokenManager,
	log *logger.Logger,
) IAuthService {
	return &AuthService{
		validator:    validator,
		links:        links,
		tokenManager: tokenManager,
		log:          log.Named("auth"),
	}
}

// AuthenticateTelegram validates a launch payload, resolves the linked Orbo
// user and issues a session token. Validator errors are returned unwrapped so
// callers can match them with errors.Is.
func (s *AuthService) AuthenticateTelegram(ctx context.Context, req *TelegramAuthRequest) (*TelegramAuthResponse, error) {
	assertion, err := s.validator.Validate(req.InitData)
	if err != nil {
		switch {
		case errors.Is(err, initdata.ErrInvalidSignature):
			// Candidate names stay out of the log on purpose.
			s.log.Security(ctx, "launch_payload_invalid_signature")
		case errors.Is(err, initdata.ErrExpired):
			s.log.InfoContext(ctx, "launch payload expired")
		}
		return nil, err
	}
	if !assertion.HasIdentity() {
		return nil, initdata.ErrMalformedInput
	}

	link, err := s.links.FindByTelegramID(ctx, assertion.User.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.InfoContext(ctx, "launch from unlinked identity", logger.TelegramUserID(assertion.User.ID))
			return nil, ErrIdentityNotLinked
		}
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}

	token, err := s.tokenManager.GenerateToken(link.UserID, assertion.User.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	resp := &TelegramAuthResponse{
		Token:        token,
		ExpiresIn:    int64(s.tokenManager.ExpiresIn().Seconds()),
		UserID:       link.UserID,
		TelegramUser: assertion.User,
		StartParam:   assertion.StartParam,
	}
	if sp, ok := initdata.ParseStartParam(assertion.StartParam); ok {
		resp.DeepLink = &DeepLink{Kind: sp.Kind, ID: sp.ID}
	}

	s.log.InfoContext(ctx, "launch authenticated",
		zap.String("user_id", link.UserID),
		logger.TelegramUserID(assertion.User.ID),
		zap.String("bot", assertion.Credential),
	)
	return resp, nil
}

// RefreshToken exchanges a token near or just past expiry for a new one.
func (s *AuthService) RefreshToken(ctx context.Context, token string) (string, error) {
	refreshed, err := s.tokenManager.RefreshToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrRefreshWindow) {
			return "", err
		}
		return "", ErrInvalidToken
	}
	return refreshed, nil
}
