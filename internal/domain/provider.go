package domain

import "fmt"

// ============================================================
// Identity provider vocabulary
// ============================================================

// Provider sign-in methods as reported by the identity provider.
const (
	ProviderMethodPassword = "password"
	ProviderMethodGoogle   = "google.com"
)

// ProviderUser is the identity provider's view of the signed-in account.
type ProviderUser struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
	Disabled      bool
	// Method is the sign-in method that produced the session.
	Method string
}

// Provider error codes returned by the identity toolkit API.
const (
	ProviderCodeEmailNotFound      = "EMAIL_NOT_FOUND"
	ProviderCodeInvalidPassword    = "INVALID_PASSWORD"
	ProviderCodeInvalidCredentials = "INVALID_LOGIN_CREDENTIALS"
	ProviderCodeUserDisabled       = "USER_DISABLED"
	ProviderCodeEmailExists        = "EMAIL_EXISTS"
	ProviderCodeWeakPassword       = "WEAK_PASSWORD"
	ProviderCodeInvalidEmail       = "INVALID_EMAIL"
	ProviderCodeTooManyAttempts    = "TOO_MANY_ATTEMPTS_TRY_LATER"
	ProviderCodeTokenExpired       = "TOKEN_EXPIRED"
	ProviderCodeInvalidIDToken     = "INVALID_ID_TOKEN"
	ProviderCodeUserNotFound       = "USER_NOT_FOUND"
	ProviderCodePopupClosed        = "POPUP_CLOSED_BY_USER"
	ProviderCodeNoCurrentUser      = "NO_CURRENT_USER"
)

// ProviderError is a structured failure reported by the identity provider.
type ProviderError struct {
	Op      string
	Code    string
	Message string
	Status  int
}

func (e *ProviderError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("identity provider [%s]: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider [%s]: %s", e.Op, e.Code)
}

// ProviderSignIn is the normalized result of a successful provider sign-in.
type ProviderSignIn struct {
	Profile UserProfile
	IDToken string
}

// ProviderRegistration is the normalized result of a provider registration.
type ProviderRegistration struct {
	Profile          UserProfile
	IDToken          string
	VerificationSent bool
}

// ProviderEvent carries the provider's session after a change. Profile is nil
// when the provider has no signed-in user.
type ProviderEvent struct {
	Profile *UserProfile
}
