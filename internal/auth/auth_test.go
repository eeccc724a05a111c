package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository/memory"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	token, exp, err := tm.GenerateToken("user-1")
	require.NoError(t, err)
	assert.False(t, exp.IsZero())

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	assert.Equal(t, tokenIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	_, err = NewTokenManager("other", 5).ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsForeignIssuerAndExpired(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	sign := func(claims jwt.RegisteredClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		return signed
	}

	foreign := sign(jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	_, err := tm.ParseToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := sign(jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	_, err = tm.ParseToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExpiry := sign(jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "user-1"})
	_, err = tm.ParseToken(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, ComparePassword(hash, "s3cret"))
	assert.Error(t, ComparePassword(hash, "wrong"))

	_, err = HashPassword(strings.Repeat("x", 73), bcrypt.MinCost)
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	hash, err = HashPassword("s3cret", 99)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)

	assert.Error(t, RejectUnknownAccount("s3cret"))
}

func newTestApp(t *testing.T) (*fiber.App, *memory.Store, *TokenManager) {
	t.Helper()
	store := memory.NewStore()
	tm := NewTokenManager("secret", 5)
	mw := NewAuthMiddleware(tm, store)

	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		de := apperrors.ToDomainError(err)
		return c.Status(de.HTTPStatus).JSON(de)
	}})
	app.Get("/me", mw.Handle, func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(string(p.Role))
	})
	app.Get("/admin", mw.Handle, RequireAdmin(), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})
	return app, store, tm
}

func TestMiddlewareRereadsRole(t *testing.T) {
	app, store, tm := newTestApp(t)
	ctx := context.Background()
	user := &domain.User{ReferenceCode: "REF-A", Role: domain.RoleAdmin, Status: domain.UserStatusActive, Name: "A", Email: "a@example.com"}
	require.NoError(t, store.Create(ctx, user))
	token, _, err := tm.GenerateToken(user.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, store.UpdateRole(ctx, user.ID, domain.RoleUser))
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMiddlewareRejectsMissingAndDeleted(t *testing.T) {
	app, store, tm := newTestApp(t)
	ctx := context.Background()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	user := &domain.User{ReferenceCode: "REF-A", Role: domain.RoleUser, Status: domain.UserStatusActive, Name: "A", Email: "a@example.com"}
	require.NoError(t, store.Create(ctx, user))
	token, _, err := tm.GenerateToken(user.ID)
	require.NoError(t, err)
	require.NoError(t, store.SoftDelete(ctx, user.ID))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
