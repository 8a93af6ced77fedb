package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type contextKey string

const principalContextKey contextKey = "principal"

// authAttemptWindow is the window failed authentication attempts are
// counted in.
const authAttemptWindow = time.Minute

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// PrincipalFromContext returns the authenticated principal of a request.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*models.Principal)
	return p, ok
}

// Authenticator resolves API keys to principals. Lookups are cached in
// Redis and concurrent misses for the same key share one store query.
type Authenticator struct {
	store  billing.PrincipalStore
	cache  *cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator. cacheClient may be nil.
func NewAuthenticator(store billing.PrincipalStore, cacheClient *cache.Cache, ttl time.Duration, logger *zap.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{store: store, cache: cacheClient, ttl: ttl, logger: logger}
}

func apiKeyCacheKey(hash string) string {
	return "auth:apikey:" + hash
}

func principalCacheKey(id uuid.UUID) string {
	return "auth:principal:" + id.String()
}

// Authenticate returns the principal owning apiKey, or
// billing.ErrPrincipalNotFound for unknown and revoked keys.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*models.Principal, error) {
	if apiKey == "" {
		return nil, billing.ErrPrincipalNotFound
	}
	hash := HashAPIKey(apiKey)

	if id, ok := a.cachedPrincipalID(ctx, hash); ok {
		p, err := a.Principal(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, billing.ErrPrincipalNotFound) {
			return nil, err
		}
	}

	v, err, _ := a.group.Do("apikey:"+hash, func() (interface{}, error) {
		p, err := a.store.GetByAPIKeyHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		a.cacheSet(ctx, apiKeyCacheKey(hash), p.ID.String())
		a.cachePrincipal(ctx, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*models.Principal)
	return &cp, nil
}

// Principal loads a principal by id through the cache.
func (a *Authenticator) Principal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	if a.cache != nil {
		raw, err := a.cache.Get(ctx, principalCacheKey(id))
		if err == nil {
			var p models.Principal
			if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
				return &p, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			a.logger.Warn("principal cache read failed", zap.Error(err))
		}
	}

	v, err, _ := a.group.Do("principal:"+id.String(), func() (interface{}, error) {
		p, err := a.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		a.cachePrincipal(ctx, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*models.Principal)
	return &cp, nil
}

// Invalidate drops the cached principal so the next request reloads it.
func (a *Authenticator) Invalidate(ctx context.Context, id uuid.UUID) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Delete(ctx, principalCacheKey(id))
}

// HandlePlanChanged is an event handler that invalidates the principal a
// subscription change applied to.
func (a *Authenticator) HandlePlanChanged(ctx context.Context, event events.Event) error {
	id, err := uuid.Parse(event.PrincipalID)
	if err != nil {
		return fmt.Errorf("plan change for invalid principal id %q: %w", event.PrincipalID, err)
	}
	if err := a.Invalidate(ctx, id); err != nil {
		return fmt.Errorf("failed to invalidate principal %s: %w", id, err)
	}
	a.logger.Debug("principal cache invalidated", zap.String("principal_id", id.String()))
	return nil
}

func (a *Authenticator) cachedPrincipalID(ctx context.Context, hash string) (uuid.UUID, bool) {
	if a.cache == nil {
		return uuid.Nil, false
	}
	raw, err := a.cache.Get(ctx, apiKeyCacheKey(hash))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			a.logger.Warn("api key cache read failed", zap.Error(err))
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (a *Authenticator) cachePrincipal(ctx context.Context, p *models.Principal) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	a.cacheSet(ctx, principalCacheKey(p.ID), string(data))
}

func (a *Authenticator) cacheSet(ctx context.Context, key, value string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Set(ctx, key, value, a.ttl); err != nil {
		a.logger.Warn("auth cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// clientIP returns the caller's address without its port. RealIP has
// already replaced RemoteAddr with any forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware authenticates Bearer API keys.
//
// Every attempt reserves a slot in the caller IP's auth-attempt window
// before the key is checked. A successful authentication hands the slot
// back, so only failed attempts accumulate.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		var attempt *quota.Reservation
		if g.authAttemptsPerMin > 0 {
			res, err := g.quota.Throttle(ctx, "ip:"+ip, quota.ActionAuthAttempt, g.authAttemptsPerMin, authAttemptWindow)
			if err != nil {
				g.logger.Error("auth attempt limiter unavailable", zap.Error(err))
				w.Header().Set("Retry-After", "1")
				g.writeErrorType(w, http.StatusServiceUnavailable, quota.ReasonUnavailable, "authentication temporarily unavailable")
				return
			}
			if !res.Allowed {
				retry := retryAfterSeconds(res.ResetAt, g.quota.Clock().Now())
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
				g.logger.Warn("too many failed authentication attempts", zap.String("ip", ip))
				g.writeErrorType(w, http.StatusTooManyRequests, quota.ReasonRateLimited, "too many failed authentication attempts")
				return
			}
			attempt = res
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeErrorType(w, http.StatusUnauthorized, "authentication_error", "missing authorization header")
			return
		}
		apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		principal, err := g.auth.Authenticate(ctx, apiKey)
		if err != nil {
			if errors.Is(err, billing.ErrPrincipalNotFound) {
				g.logger.Warn("authentication failed",
					zap.String("ip", ip),
					zap.String("api_key", AnonymizeAPIKey(apiKey)),
				)
				g.writeErrorType(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
				return
			}
			// A lookup outage is not the caller's failure.
			g.releaseAttempt(ctx, attempt)
			g.logger.Error("principal lookup failed", zap.Error(err))
			g.writeErrorType(w, http.StatusServiceUnavailable, "api_error", "authentication temporarily unavailable")
			return
		}
		g.releaseAttempt(ctx, attempt)
		recordTier(ctx, principal.PlanTier)

		ctx = context.WithValue(ctx, principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) releaseAttempt(ctx context.Context, attempt *quota.Reservation) {
	if err := g.quota.ReleaseReservation(ctx, attempt); err != nil {
		g.logger.Warn("failed to release auth attempt slot", zap.Error(err))
	}
}
