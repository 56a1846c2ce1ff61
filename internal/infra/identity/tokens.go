package identity

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errNoExpiry = errors.New("token carries no expiry")

// expiryOf prefers the exp claim of the ID token and falls back to the
// expiresIn seconds reported next to it. An unknown expiry forces a refresh on
// next use.
func expiryOf(idToken, expiresIn string, now time.Time) time.Time {
	if exp, err := tokenExpiry(idToken); err == nil {
		return exp
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	return now
}

// tokenExpiry reads the exp claim without verifying the signature; the backend
// verifies the token.
func tokenExpiry(idToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errNoExpiry
	}
	return exp.Time, nil
}
