// Package auth implements sign-in-with-Solana: wallet-signed challenges
// exchanged for bearer tokens.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"filippo.io/edwards25519"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/dlmmbot/dlmmbot/internal/ports"
)

const nonceTTL = 5 * time.Minute

var (
	// ErrInvalidWallet means the address is not a valid ed25519 public key.
	ErrInvalidWallet = errors.New("auth: invalid wallet address")
	// ErrInvalidSignature means the signature does not verify over the
	// challenge message.
	ErrInvalidSignature = errors.New("auth: signature verification failed")
	// ErrChallengeExpired means the nonce is missing, already used or stale.
	ErrChallengeExpired = errors.New("auth: challenge expired or not issued")
	// ErrInvalidToken means the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenPair is the result of a successful verification or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Service issues challenges and mints bearer tokens for wallet identities.
type Service struct {
	users      ports.UserStore
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAuthClock injects a clock for tests.
func WithAuthClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates the auth service. The secret signs access tokens and
// must be at least 32 bytes; the config layer enforces that before startup.
func NewService(users ports.UserStore, secret []byte, issuer string, accessTTL, refreshTTL time.Duration, log *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		users:      users,
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		log:        log.With("component", "auth"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DecodePublicKey decodes a base58 wallet address and checks it is a valid
// point on the ed25519 curve.
func DecodePublicKey(walletAddress string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(walletAddress)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidWallet
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, ErrInvalidWallet
	}
	return ed25519.PublicKey(raw), nil
}

// challengeMessage is the exact byte sequence the wallet signs. It is
// reconstructed from persisted state during verification, so it must depend
// only on the wallet address and the stored nonce.
func challengeMessage(issuer, walletAddress, nonce string) []byte {
	return fmt.Appendf(nil,
		"%s wants you to sign in with your Solana account:\n%s\n\nThis request will not trigger a blockchain transaction.\n\nNonce: %s",
		issuer, walletAddress, nonce)
}

// Challenge issues a single-use sign-in nonce for the wallet and returns the
// message the wallet must sign.
func (s *Service) Challenge(ctx context.Context, walletAddress string) (string, error) {
	if _, err := DecodePublicKey(walletAddress); err != nil {
		return "", err
	}
	if _, err := s.users.GetOrCreateUser(ctx, walletAddress); err != nil {
		return "", fmt.Errorf("auth.Challenge: %w", err)
	}

	nonce := uuid.NewString()
	expiresAt := s.now().Add(nonceTTL)
	if err := s.users.SetAuthNonce(ctx, walletAddress, nonce, expiresAt); err != nil {
		return "", fmt.Errorf("auth.Challenge: %w", err)
	}
	return string(challengeMessage(s.issuer, walletAddress, nonce)), nil
}

// Verify checks the wallet's signature over the outstanding challenge and
// mints a token pair. The nonce is burned whether or not the signature
// verifies.
func (s *Service) Verify(ctx context.Context, walletAddress, signatureB58 string) (*TokenPair, error) {
	pubKey, err := DecodePublicKey(walletAddress)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, ErrChallengeExpired
	}
	if user.AuthNonce == "" || !s.now().Before(user.AuthNonceExpiresAt) {
		return nil, ErrChallengeExpired
	}

	if err := s.users.ClearAuthNonce(ctx, walletAddress); err != nil {
		return nil, fmt.Errorf("auth.Verify: %w", err)
	}

	signature, err := base58.Decode(signatureB58)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	message := challengeMessage(s.issuer, walletAddress, user.AuthNonce)
	if !ed25519.Verify(pubKey, message, signature) {
		s.log.Warn("signature verification failed", "wallet", walletAddress)
		return nil, ErrInvalidSignature
	}

	return s.mintPair(ctx, walletAddress)
}

// Refresh rotates the refresh token and mints a fresh pair.
func (s *Service) Refresh(ctx context.Context, walletAddress, refreshToken string) (*TokenPair, error) {
	user, err := s.users.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.RefreshTokenHash == "" {
		return nil, ErrInvalidToken
	}

	claims, err := s.parseToken(refreshToken)
	if err != nil || claims.Subject != walletAddress {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(refreshToken)), []byte(user.RefreshTokenHash)) != 1 {
		return nil, ErrInvalidToken
	}

	return s.mintPair(ctx, walletAddress)
}

// ValidateAccess parses a bearer token and returns the wallet identity it
// was minted for.
func (s *Service) ValidateAccess(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Service) mintPair(ctx context.Context, walletAddress string) (*TokenPair, error) {
	now := s.now()
	access, err := s.signToken(walletAddress, now, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}
	refresh, err := s.signToken(walletAddress, now, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	if err := s.users.SetRefreshTokenHash(ctx, walletAddress, hashToken(refresh)); err != nil {
		return nil, fmt.Errorf("auth: persist refresh hash: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) signToken(subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
