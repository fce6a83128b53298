package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	resp "github.com/inkwellhq/inkwell/response"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Session tokens are short-lived; clients hold the refresh token and trade it
// in through the accounts API instead of re-running the email login.
const (
	sessionTokenTTL = time.Minute * 15
	refreshTokenTTL = time.Hour * 24 * 7
)

var jwtSigningMethod = jwt.SigningMethodHS256

// subjects keep the two token kinds from standing in for each other
const (
	subjectSession = "session"
	subjectRefresh = "refresh"
)

// RefreshClaim carries only the account id; everything else is re-resolved
// from the store when the refresh is redeemed, so admin or email changes
// take effect on the next session token
type RefreshClaim struct {
	jwt.StandardClaims
	ID string `json:"id"`
}

// CreateTokenFromClaims will create a signed session token for the given Claims
func (a *Auth) CreateTokenFromClaims(claims Claims) (string, error) {
	claims.StandardClaims = jwt.StandardClaims{
		Subject:   subjectSession,
		ExpiresAt: time.Now().Add(sessionTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(a.jwtKey)
}

// CreateRefreshTokenFromClaims will create a signed refresh token bound to the account
func (a *Auth) CreateRefreshTokenFromClaims(claims Claims) (string, error) {
	refresh := RefreshClaim{
		StandardClaims: jwt.StandardClaims{
			Subject:   subjectRefresh,
			ExpiresAt: time.Now().Add(refreshTokenTTL).Unix(),
		},
		ID: claims.ID,
	}
	token := jwt.NewWithClaims(jwtSigningMethod, refresh)
	return token.SignedString(a.jwtKey)
}

// parse validates the signature, method, and expiry. (nil, nil) means the
// token is invalid rather than that verification itself broke.
func (a *Auth) parse(token string, into jwt.Claims) (jwt.Claims, error) {
	jwtToken, err := jwt.ParseWithClaims(token, into, func(token *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	})
	if err != nil {
		if err == jwt.ErrSignatureInvalid {
			return nil, nil
		}
		if _, ok := err.(*jwt.ValidationError); ok {
			return nil, nil
		}
		return nil, err
	}
	if jwtToken.Method != jwtSigningMethod || !jwtToken.Valid {
		return nil, nil
	}
	return into, nil
}

// VerifyRefreshToken returns the RefreshClaim when the token is valid
func (a *Auth) VerifyRefreshToken(token string) (*RefreshClaim, error) {
	parsed, err := a.parse(token, &RefreshClaim{})
	if err != nil || parsed == nil {
		return nil, err
	}
	claim := parsed.(*RefreshClaim)
	if claim.Subject != subjectRefresh {
		return nil, nil
	}
	return claim, nil
}

func (a *Auth) verifyToken(token string) (*Claims, error) {
	parsed, err := a.parse(token, &Claims{})
	if err != nil || parsed == nil {
		return nil, err
	}
	claim := parsed.(*Claims)
	if claim.Subject != subjectSession {
		return nil, nil
	}
	return claim, nil
}

// Middleware returns a http middleware verifying the Bearer session token
// and placing the Claims on the request context
func (a *Auth) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				resp.WriteError(w, r, resp.ErrNoBearer())
				return
			}
			claims, err := a.verifyToken(header[len(bearerPrefix):])
			if err != nil {
				a.Logger.Error("Cannot verify JWT token",
					zap.Error(err),
				)
				resp.WriteError(w, r, resp.ErrUnexpected())
				return
			}
			if claims == nil {
				resp.WriteError(w, r, resp.ErrNoBearer())
				return
			}

			ctx := context.WithValue(r.Context(), Context, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
