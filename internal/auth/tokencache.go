package auth

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-camhub/internal/tokens"
)

// TokenCache memoizes successful token validations so the hot signaling
// path skips repeated signature checks. Entries are evicted by the LRU and
// re-checked against the claim expiry on every hit, so a cached entry can
// never outlive its token.
type TokenCache struct {
	validator *tokens.Manager
	cache     *lru.Cache[string, *tokens.Claims]
}

func NewTokenCache(validator *tokens.Manager, size int) (*TokenCache, error) {
	cache, err := lru.New[string, *tokens.Claims](size)
	if err != nil {
		return nil, err
	}
	return &TokenCache{validator: validator, cache: cache}, nil
}

// Validate returns the claims for tokenString, consulting the cache first.
func (c *TokenCache) Validate(tokenString string) (*tokens.Claims, error) {
	if claims, ok := c.cache.Get(tokenString); ok {
		if claims.ExpiresAt != nil && claims.ExpiresAt.After(time.Now()) {
			return claims, nil
		}
		c.cache.Remove(tokenString)
	}

	claims, err := c.validator.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	c.cache.Add(tokenString, claims)
	return claims, nil
}
