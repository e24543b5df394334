package auth

import (
	"context"
	"testing"
	"time"

	"github.com/sagaler1/v-chatbot/internal/models"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	byName map[string]*models.User
}

func newMemUsers() *memUsers {
	return &memUsers{byName: map[string]*models.User{}}
}

func (m *memUsers) Create(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "id-" + user.Username
	}
	m.byName[user.Username] = user
	return nil
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*models.User, error) {
	u, ok := m.byName[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, hash string) error {
	for _, u := range m.byName {
		if u.ID == userID {
			u.PasswordHash = hash
			return nil
		}
	}
	return repository.ErrUserNotFound
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "test", time.Hour)

	token, err := svc.GenerateToken("u1", "alice")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	other := NewJWTService("other", "test", time.Hour)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTExpired(t *testing.T) {
	svc := NewJWTService("secret", "test", time.Nanosecond)
	token, err := svc.GenerateToken("u1", "alice")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestExtractTokenFromBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractTokenFromBearer("Bearer abc"))
	assert.Equal(t, "", ExtractTokenFromBearer("Basic abc"))
	assert.Equal(t, "", ExtractTokenFromBearer(""))
}

func TestServiceLoginAndVerify(t *testing.T) {
	users := newMemUsers()
	svc := NewService(users, NewJWTService("secret", "test", time.Hour))
	ctx := context.Background()

	_, created, err := svc.Upsert(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "bob", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user, token, err := svc.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	identity, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, "alice", identity.Username)

	_, err = svc.Verify(ctx, "")
	assert.Error(t, err)
	_, err = svc.Verify(ctx, "garbage")
	assert.Error(t, err)
}

func TestServiceUpsertResetsPassword(t *testing.T) {
	users := newMemUsers()
	svc := NewService(users, NewJWTService("secret", "test", time.Hour))
	ctx := context.Background()

	_, _, err := svc.Upsert(ctx, "alice", "password1")
	require.NoError(t, err)
	_, created, err := svc.Upsert(ctx, "alice", "password2")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = svc.Login(ctx, "alice", "password2")
	assert.NoError(t, err)

	_, _, err = svc.Upsert(ctx, "alice", "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
	_, _, err = svc.Upsert(ctx, " ", "password1")
	assert.ErrorIs(t, err, ErrUsernameRequired)
}
