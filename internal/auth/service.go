package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sagaler1/v-chatbot/internal/models"
	"github.com/sagaler1/v-chatbot/internal/repository"
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUsernameRequired is returned when a user is created without a name
	ErrUsernameRequired = errors.New("username is required")
)

// Service handles authentication operations
type Service struct {
	users repository.UserRepository
	jwt   *JWTService
}

// NewService creates a new auth service
func NewService(users repository.UserRepository, jwt *JWTService) *Service {
	return &Service{
		users: users,
		jwt:   jwt,
	}
}

// Login checks the password and returns the user with a freshly signed token.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, string, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load user: %w", err)
	}

	if !CheckPassword(password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign token: %w", err)
	}
	return user, token, nil
}

// Verify resolves a bearer credential into the caller identity.
func (s *Service) Verify(_ context.Context, credential string) (*models.Identity, error) {
	if credential == "" {
		return nil, ErrInvalidToken
	}
	claims, err := s.jwt.ValidateToken(credential)
	if err != nil {
		return nil, err
	}
	return &models.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// IssueToken signs a token for an existing user without checking a password.
func (s *Service) IssueToken(ctx context.Context, username string) (string, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	return s.jwt.GenerateToken(user.ID, user.Username)
}

// Upsert creates the user, or resets the password of an existing one.
func (s *Service) Upsert(ctx context.Context, username, password string) (*models.User, bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, false, ErrUsernameRequired
	}
	if err := ValidatePassword(password); err != nil {
		return nil, false, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash password: %w", err)
	}

	existing, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if err := s.users.UpdatePassword(ctx, existing.ID, hash); err != nil {
			return nil, false, err
		}
		existing.PasswordHash = hash
		return existing, false, nil
	case errors.Is(err, repository.ErrUserNotFound):
		user := &models.User{Username: username, PasswordHash: hash}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, false, err
		}
		return user, true, nil
	default:
		return nil, false, err
	}
}
