package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/models"
)

const ContextKeyPrincipal = "principal"

// Principal is the authenticated caller. Users carry an email and a role,
// sensors carry the sensor id their key was issued for.
type Principal struct {
	Email    string
	Role     models.Role
	SensorID string
	KeyID    uuid.UUID
}

// IsSensor reports whether the caller authenticated with a sensor key.
func (p *Principal) IsSensor() bool { return p.SensorID != "" }

// PrincipalFrom returns the caller stored by Authenticate.
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	p, ok := c.Get(ContextKeyPrincipal).(*Principal)
	return p, ok
}

// SensorKeyStore is the subset of the sensor key repository used for auth.
type SensorKeyStore interface {
	GetByPrefix(ctx context.Context, prefix string) ([]*models.SensorKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// AuthConfig configures Authenticate.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	Keys      SensorKeyStore
	// Cache, when set, skips bcrypt for recently verified sensor keys.
	Cache *SensorKeyCache
	Log   *zap.Logger
}

func bearer(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" && c.IsWebSocket() {
		// Browsers cannot set headers on a websocket handshake.
		if tok := c.QueryParam("access_token"); tok != "" {
			return tok, nil
		}
	}
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, cred, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || cred == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return cred, nil
}

// Authenticate accepts either a sensor API key (pc_ prefix) or a user JWT.
func Authenticate(cfg AuthConfig) echo.MiddlewareFunc {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cred, err := bearer(c)
			if err != nil {
				return err
			}

			var p *Principal
			if auth.IsSensorKey(cred) {
				p, err = sensorPrincipal(c.Request().Context(), cfg, log, cred)
			} else {
				p, err = userPrincipal(cfg, cred)
			}
			if err != nil {
				return err
			}

			c.Set(ContextKeyPrincipal, p)
			return next(c)
		}
	}
}

func userPrincipal(cfg AuthConfig, token string) (*Principal, error) {
	claims, err := auth.VerifyJWT(cfg.JWTSecret, cfg.JWTIssuer, token)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if claims.Email == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "token carries no email")
	}
	return &Principal{Email: claims.Email, Role: claims.Role}, nil
}

func sensorPrincipal(ctx context.Context, cfg AuthConfig, log *zap.Logger, plaintext string) (*Principal, error) {
	keys := cfg.Keys
	if keys == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "sensor keys are not accepted")
	}
	if p, ok := cfg.Cache.get(plaintext); ok {
		touchSensorKey(keys, log, p.KeyID)
		return p, nil
	}
	prefix, err := auth.PrefixOf(plaintext)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid api key format")
	}

	candidates, err := keys.GetByPrefix(ctx, prefix)
	if err != nil {
		log.Error("sensor key lookup failed", zap.String("prefix", prefix), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "credential store unavailable")
	}
	for _, k := range candidates {
		if !auth.ValidateSensorKey(plaintext, k.KeyHash) {
			continue
		}
		p := &Principal{SensorID: k.SensorID, KeyID: k.ID}
		cfg.Cache.add(plaintext, p)
		touchSensorKey(keys, log, k.ID)
		return p, nil
	}
	return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
}

// touchSensorKey records last use in the background.
func touchSensorKey(keys SensorKeyStore, log *zap.Logger, id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := keys.UpdateLastUsed(ctx, id); err != nil {
			log.Warn("sensor key last_used update failed", zap.String("key_id", id.String()), zap.Error(err))
		}
	}()
}

// RequireUser rejects sensor credentials. With roles given, the user must
// also hold one of them.
func RequireUser(roles ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if p.IsSensor() {
				return echo.NewHTTPError(http.StatusForbidden, "sensor keys may only ingest readings")
			}
			if len(roles) > 0 && !slices.Contains(roles, p.Role) {
				return echo.NewHTTPError(http.StatusForbidden, "role "+string(p.Role)+" may not perform this action")
			}
			return next(c)
		}
	}
}
