// Package auth implements password verification, access/refresh token
// issuance, refresh-token rotation with reuse detection, and brute-force
// blocking. Access tokens are HS256 JWTs; refresh tokens are opaque
// records in the KVStore, linked into families so a reuse sweeps every
// descendant of the compromised login.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kosee-dev/chatfleet/internal/chatstore"
	"github.com/kosee-dev/chatfleet/internal/idgen"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/logging"
	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/ratelimit"
	"github.com/kosee-dev/chatfleet/internal/validation"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrBlocked            = errors.New("auth: ip blocked")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrReuseDetected      = errors.New("auth: refresh token reuse detected")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

// Claims is the access token's payload: the user id plus the standard
// issued-at/expires-at registered claims.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RefreshRecord is one persisted refresh token. UsedAt is nil until the
// token is rotated; a family has at most one unused member at a time.
type RefreshRecord struct {
	TokenID   string     `json:"token_id"`
	FamilyID  string     `json:"family_id"`
	UserID    string     `json:"user_id"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// TokenPair is what Login and Refresh hand back to the HTTP layer to set
// as cookies.
type TokenPair struct {
	AccessToken  string
	RefreshToken string // "<token_id>.<family_id>", opaque to the client
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// Service owns the login, rotation, and revocation flows.
type Service struct {
	store      chatstore.Store
	kv         kvstore.KVStore
	limiter    *ratelimit.Limiter
	audit      *logging.AuditLogger
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blockTTL   time.Duration
}

// Config carries the auth tunables. The login failure count itself lives
// in the rate limiter's login class, configured through ratelimit.Limits.
type Config struct {
	SigningKey      string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	LoginBlockTTL   time.Duration
}

// New builds an AuthService.
func New(store chatstore.Store, kv kvstore.KVStore, limiter *ratelimit.Limiter, audit *logging.AuditLogger, cfg Config) *Service {
	return &Service{
		store:      store,
		kv:         kv,
		limiter:    limiter,
		audit:      audit,
		signingKey: []byte(cfg.SigningKey),
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		blockTTL:   cfg.LoginBlockTTL,
	}
}

func blockKey(ip string) string { return "auth:blocked:" + ip }
func refreshKey(tokenID string) string { return "auth:refresh:" + tokenID }
func familyIndexKey(familyID string) string { return "auth:family:" + familyID }

// HashPassword bcrypt-hashes a plaintext password for credential seeding.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login validates input, checks the block list, verifies the password in
// constant time, and on success issues a fresh access/refresh pair.
func (s *Service) Login(ctx context.Context, ip, username, password string) (TokenPair, error) {
	if err := validation.ValidateLogin(validation.LoginInput{Username: username, Password: password}); err != nil {
		metrics.LoginAttempts.WithLabelValues("invalid_input").Inc()
		return TokenPair{}, ErrInvalidCredentials
	}

	if s.ipBlocked(ctx, ip) {
		metrics.LoginAttempts.WithLabelValues("blocked").Inc()
		return TokenPair{}, ErrBlocked
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("store_error").Inc()
		return TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		metrics.LoginAttempts.WithLabelValues("unknown_user").Inc()
		s.recordLoginFailure(ctx, ip, username)
		return TokenPair{}, ErrInvalidCredentials
	}

	// bcrypt.CompareHashAndPassword is itself constant-time with respect to
	// the plaintext guess.
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		metrics.LoginAttempts.WithLabelValues("bad_password").Inc()
		s.recordLoginFailure(ctx, ip, username)
		return TokenPair{}, ErrInvalidCredentials
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	return s.issuePair(ctx, user.UserID, idgen.FamilyID())
}

// blockRecord is the persisted IP block. The expiry rides in the value:
// the backend TTL on the key is a cleanup backstop, not the authority, so
// a block lapses on schedule even on a backend whose Set cannot honor a
// per-key TTL.
type blockRecord struct {
	BlockedUntil time.Time `json:"blocked_until"`
}

// ipBlocked reports whether ip currently sits on the block list, treating
// an expired or undecodable record as not blocked and clearing it.
func (s *Service) ipBlocked(ctx context.Context, ip string) bool {
	data, err := s.kv.Get(ctx, blockKey(ip))
	if err != nil || data == nil {
		return false
	}
	var rec blockRecord
	if err := json.Unmarshal(data, &rec); err == nil && time.Now().Before(rec.BlockedUntil) {
		return true
	}
	_ = s.kv.Delete(ctx, blockKey(ip))
	return false
}

// recordLoginFailure counts one failed attempt against the (ip, username)
// login window; once the window is exhausted the IP goes on the block
// list.
func (s *Service) recordLoginFailure(ctx context.Context, ip, username string) {
	if s.limiter.IsAllowed(ctx, fmt.Sprintf("%s:%s", ip, username), ratelimit.ClassLogin) {
		return
	}
	rec := blockRecord{BlockedUntil: time.Now().UTC().Add(s.blockTTL)}
	data, err := json.Marshal(rec)
	if err == nil {
		err = s.kv.Set(ctx, blockKey(ip), data, s.blockTTL)
	}
	if err != nil {
		s.audit.Warn("LoginBlockWriteFailed", "failed to persist ip block", map[string]any{"ip": ip, "error": err.Error()})
		return
	}
	s.audit.Warn("LoginBruteForceBlocked", "ip blocked after repeated failures", map[string]any{"ip": ip, "username": username})
}

// issuePair mints a fresh access token and a brand-new refresh-token
// family (Login) or a rotated member of an existing one (Refresh).
func (s *Service) issuePair(ctx context.Context, userID, familyID string) (TokenPair, error) {
	access, err := s.signAccessToken(userID)
	if err != nil {
		return TokenPair{}, err
	}

	tokenID := idgen.TokenID()
	now := time.Now().UTC()
	rec := RefreshRecord{
		TokenID:   tokenID,
		FamilyID:  familyID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	data, err := marshalRefresh(rec)
	if err != nil {
		return TokenPair{}, err
	}
	if ok, err := s.kv.CAS(ctx, refreshKey(tokenID), nil, data, s.refreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	} else if !ok {
		// tokenID collision is astronomically unlikely (UUIDv4); treat as
		// a transient dependency error rather than retrying indefinitely.
		return TokenPair{}, fmt.Errorf("refresh token id collision")
	}
	// Index this token under its family so a reuse-triggered revocation can
	// sweep every member, not just the one presented.
	if err := s.kv.ZAdd(ctx, familyIndexKey(familyID), float64(now.UnixMilli()), tokenID, s.refreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("index refresh token by family: %w", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: tokenID + "." + familyID,
		AccessTTL:    s.accessTTL,
		RefreshTTL:   s.refreshTTL,
	}, nil
}

func (s *Service) signAccessToken(userID string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    "chatfleet",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// VerifyAccessToken parses and validates an access token, returning its
// claims.
func (s *Service) VerifyAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh rotates the presented token: atomically mark it used, and on
// reuse (it was already marked) revoke the whole family.
func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	tokenID, familyID, err := splitRefreshToken(rawToken)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	data, err := s.kv.Get(ctx, refreshKey(tokenID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, fmt.Errorf("read refresh token: %w", err)
	}
	rec, err := unmarshalRefresh(data)
	if err != nil {
		return TokenPair{}, err
	}
	if rec.FamilyID != familyID || time.Now().After(rec.ExpiresAt) {
		return TokenPair{}, ErrInvalidToken
	}
	if rec.UsedAt != nil {
		// Reuse of an already-rotated token: the family is compromised.
		s.revokeFamily(ctx, rec.FamilyID)
		metrics.RefreshReuseDetected.Inc()
		s.audit.Critical("RefreshReuseDetected", "refresh token reuse detected, family revoked", map[string]any{
			"family_id": rec.FamilyID, "user_id": rec.UserID,
		})
		return TokenPair{}, ErrReuseDetected
	}

	now := time.Now().UTC()
	used := rec
	used.UsedAt = &now
	usedData, err := marshalRefresh(used)
	if err != nil {
		return TokenPair{}, err
	}
	ok, err := s.kv.CAS(ctx, refreshKey(tokenID), data, usedData, s.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mark refresh token used: %w", err)
	}
	if !ok {
		// Another caller won the race to rotate this token first; losing
		// the race is indistinguishable from genuine reuse from the
		// protocol's point of view, so the family is revoked either way.
		s.revokeFamily(ctx, rec.FamilyID)
		metrics.RefreshReuseDetected.Inc()
		s.audit.Critical("RefreshReuseDetected", "concurrent refresh collision, family revoked", map[string]any{
			"family_id": rec.FamilyID, "user_id": rec.UserID,
		})
		return TokenPair{}, ErrReuseDetected
	}

	metrics.RefreshRotations.Inc()
	return s.issuePair(ctx, rec.UserID, rec.FamilyID)
}

// Logout marks the current refresh token used and revokes its family.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	tokenID, familyID, err := splitRefreshToken(rawToken)
	if err != nil {
		return nil
	}
	data, err := s.kv.Get(ctx, refreshKey(tokenID))
	if err != nil {
		return nil
	}
	rec, err := unmarshalRefresh(data)
	if err != nil || rec.FamilyID != familyID {
		return nil
	}
	now := time.Now().UTC()
	rec.UsedAt = &now
	if usedData, err := marshalRefresh(rec); err == nil {
		_, _ = s.kv.CAS(ctx, refreshKey(tokenID), data, usedData, s.refreshTTL)
	}
	s.revokeFamily(ctx, rec.FamilyID)
	return nil
}

// revokeFamily deletes every known member of a family via the sorted-set
// index issuePair maintains, so a reuse detection leaves no surviving
// token behind.
func (s *Service) revokeFamily(ctx context.Context, familyID string) {
	members, err := s.kv.ZRangeByScore(ctx, familyIndexKey(familyID), -1<<62, 1<<62)
	if err != nil {
		s.audit.Warn("FamilyRevokeIndexReadFailed", "could not enumerate family tokens", map[string]any{"family_id": familyID, "error": err.Error()})
		return
	}
	for _, m := range members {
		_ = s.kv.Delete(ctx, refreshKey(m.Member))
	}
	_ = s.kv.ZRemRangeByScore(ctx, familyIndexKey(familyID), -1<<62, 1<<62)
}

func marshalRefresh(rec RefreshRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode refresh token %s: %w", rec.TokenID, err)
	}
	return data, nil
}

func unmarshalRefresh(data []byte) (RefreshRecord, error) {
	var rec RefreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RefreshRecord{}, fmt.Errorf("decode refresh token: %w", err)
	}
	return rec, nil
}

func splitRefreshToken(raw string) (tokenID, familyID string, err error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed refresh token")
}
