package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camhub/internal/tokens"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := CheckPassword("hunter2", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPassword_SaltVaries(t *testing.T) {
	a, err := HashPassword("same")
	require.NoError(t, err)
	b, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	_, err := CheckPassword("x", "not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = CheckPassword("x", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestTokenCache_HitAndMiss(t *testing.T) {
	mgr := tokens.NewManager("key", time.Hour)
	cache, err := NewTokenCache(mgr, 8)
	require.NoError(t, err)

	tok, err := mgr.Generate(7, "alice")
	require.NoError(t, err)

	first, err := cache.Validate(tok)
	require.NoError(t, err)
	second, err := cache.Validate(tok)
	require.NoError(t, err)
	assert.Same(t, first, second, "second lookup should come from cache")

	_, err = cache.Validate("garbage")
	assert.Error(t, err)
}

func TestTokenCache_ExpiredEntryRevalidated(t *testing.T) {
	mgr := tokens.NewManager("key", -time.Minute)
	cache, err := NewTokenCache(mgr, 8)
	require.NoError(t, err)

	tok, err := mgr.Generate(7, "alice")
	require.NoError(t, err)

	_, err = cache.Validate(tok)
	assert.Error(t, err, "expired token must not validate even on repeat")
	_, err = cache.Validate(tok)
	assert.Error(t, err)
}
