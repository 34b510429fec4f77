package config

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const tokenExpiryWarning = 7 * 24 * time.Hour

// TokenExpiry returns the expiry of an access key when it is a JWT carrying an
// exp claim. The signature is not verified; only the hub can do that.
func TokenExpiry(key string) (time.Time, bool) {
	if key == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckAccessKeys logs namespaces whose access key is expired or about to expire.
func (c *Config) CheckAccessKeys(logger *zap.Logger, now time.Time) {
	for _, name := range c.NamespaceNames() {
		expiry, ok := TokenExpiry(c.Namespaces[name].AccessKey)
		if !ok {
			continue
		}
		switch {
		case expiry.Before(now):
			logger.Warn("access key expired", zap.String("namespace", name), zap.Time("expired_at", expiry))
		case expiry.Sub(now) < tokenExpiryWarning:
			logger.Warn("access key expires soon", zap.String("namespace", name), zap.Time("expires_at", expiry))
		}
	}
}
