package auth

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ao/litestack/internal/storage"
)

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) CreateUser(ctx context.Context, user *storage.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (*storage.User, error) {
	args := m.Called(ctx, id)
	if user := args.Get(0); user != nil {
		return user.(*storage.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestManager(store UserStore) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(store, logger).WithCost(bcrypt.MinCost)
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	store := new(mockUserStore)

	var created *storage.User
	store.On("CreateUser", mock.Anything, mock.AnythingOfType("*storage.User")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*storage.User) }).
		Return(nil)

	m := newTestManager(store)
	user, token, err := m.CreateUser(context.Background(), "Alice <alice@example.com>", true)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, strings.HasPrefix(token, user.ID+"."))
	assert.NotContains(t, created.TokenHash, strings.TrimPrefix(token, user.ID+"."))

	store.On("GetUser", mock.Anything, user.ID).Return(created, nil)

	got, err := m.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = m.Authenticate(context.Background(), user.ID+".wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsMalformedTokens(t *testing.T) {
	m := newTestManager(new(mockUserStore))

	for _, token := range []string{"", "abc", ".secret", "user."} {
		_, err := m.Authenticate(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store := new(mockUserStore)
	store.On("GetUser", mock.Anything, "ghost").Return(nil, storage.ErrNotFound)

	_, err := newTestManager(store).Authenticate(context.Background(), "ghost.secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCreateUserInvalidEmail(t *testing.T) {
	_, _, err := newTestManager(new(mockUserStore)).CreateUser(context.Background(), "not-an-email", false)
	assert.Error(t, err)
}
