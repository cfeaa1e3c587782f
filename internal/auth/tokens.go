package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/pkg/models"
)

// EnvTestAuth enables the test-mode token bypass. Never set this in a
// deployed environment.
const EnvTestAuth = "SATOP_ENABLE_TEST_AUTH"

// TestAuthSub is the synthetic subject assigned to principals minted by
// the test-mode bypass.
var TestAuthSub = uuid.MustParse("00000000-0000-4000-8000-5a70900d7e57")

// Token lifetimes by type.
const (
	accessTokenLifetime  = 15 * time.Minute
	refreshTokenLifetime = 60 * time.Minute
	defaultTokenLifetime = 5 * time.Minute
)

func lifetimeFor(typ models.TokenType) time.Duration {
	switch typ {
	case models.TokenAccess:
		return accessTokenLifetime
	case models.TokenRefresh:
		return refreshTokenLifetime
	default:
		return defaultTokenLifetime
	}
}

// Mint signs a token for sub. expiresIn <= 0 selects the default
// lifetime for the token type. iat and nbf are always set to now.
func (a *Authorization) Mint(sub uuid.UUID, typ models.TokenType, expiresIn time.Duration) (string, error) {
	if sub == uuid.Nil {
		return "", fmt.Errorf("mint token: missing subject")
	}
	if typ == "" {
		return "", fmt.Errorf("mint token: missing token type")
	}
	if expiresIn == 0 {
		expiresIn = lifetimeFor(typ)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub.String(),
		"typ": string(typ),
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// MintPair mints an access/refresh token pair for sub with default
// lifetimes.
func (a *Authorization) MintPair(sub uuid.UUID) (*models.TokenPair, error) {
	access, err := a.Mint(sub, models.TokenAccess, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := a.Mint(sub, models.TokenRefresh, 0)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Validate verifies the signature and the required claims of raw and
// checks its type against requireTyp. Expired tokens map to
// apierror.ExpiredToken, everything else that fails to apierror.
// InvalidToken.
//
// When SATOP_ENABLE_TEST_AUTH is set and standard validation fails, raw
// is parsed as "name[;scope,scope,...]" and a synthetic payload with the
// well-known test subject is returned. Every bypass is logged.
func (a *Authorization) Validate(raw string, requireTyp models.TokenType) (*models.TokenPayload, error) {
	payload, err := a.validateJWT(raw, requireTyp)
	if err != nil && os.Getenv(EnvTestAuth) != "" {
		return testAuthPayload(raw, requireTyp), nil
	}
	return payload, err
}

func (a *Authorization) validateJWT(raw string, requireTyp models.TokenType) (*models.TokenPayload, error) {
	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierror.ExpiredToken
		}
		return nil, apierror.InvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierror.InvalidToken
	}
	for _, required := range []string{"sub", "exp", "iat", "nbf"} {
		if _, ok := claims[required]; !ok {
			return nil, apierror.InvalidToken.WithDetail("token missing claim " + required)
		}
	}

	subStr, _ := claims["sub"].(string)
	sub, err := uuid.Parse(subStr)
	if err != nil {
		return nil, apierror.InvalidToken.WithDetail("token subject is not a UUID")
	}

	typStr, _ := claims["typ"].(string)
	if models.TokenType(typStr) != requireTyp {
		return nil, apierror.InvalidToken.WithDetail("unexpected token type")
	}

	iat, _ := claims.GetIssuedAt()
	nbf, _ := claims.GetNotBefore()
	exp, _ := claims.GetExpirationTime()

	payload := &models.TokenPayload{Sub: sub, Typ: models.TokenType(typStr)}
	if iat != nil {
		payload.Iat = iat.Time
	}
	if nbf != nil {
		payload.Nbf = nbf.Time
	}
	if exp != nil {
		payload.Exp = exp.Time
	}
	return payload, nil
}

// testAuthPayload parses "name[;scope,scope,...]" into a synthetic
// payload for local development and tests.
func testAuthPayload(raw string, typ models.TokenType) *models.TokenPayload {
	name, scopeList, _ := strings.Cut(raw, ";")
	var scopes []string
	for _, s := range strings.Split(scopeList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	log.Warn().Str("name", name).Strs("scopes", scopes).
		Msg("TEST AUTH bypass used; do not enable SATOP_ENABLE_TEST_AUTH in production")

	now := time.Now()
	return &models.TokenPayload{
		Sub:        TestAuthSub,
		Typ:        typ,
		Iat:        now,
		Nbf:        now,
		Exp:        now.Add(defaultTokenLifetime),
		TestScopes: scopes,
	}
}

// Refresh validates a refresh token and mints a fresh access/refresh
// pair for the same subject.
func (a *Authorization) Refresh(refreshToken string) (*models.TokenPair, error) {
	payload, err := a.Validate(refreshToken, models.TokenRefresh)
	if err != nil {
		return nil, err
	}
	return a.MintPair(payload.Sub)
}
