package service

import (
	"context"
	"errors"
	"sync"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var identityTracer = otel.Tracer("service/identity")

// IdentityAdapter normalizes the identity provider SDK into profiles, ID
// tokens and AuthErrors.
type IdentityAdapter struct {
	provider port.IdentityProvider
	logger   *zap.Logger

	mu         sync.Mutex
	subscribed bool
}

// NewIdentityAdapter wraps provider.
func NewIdentityAdapter(provider port.IdentityProvider, logger *zap.Logger) *IdentityAdapter {
	return &IdentityAdapter{provider: provider, logger: logger}
}

// ============================================================
// Sign-in / registration
// ============================================================

// SignInWithPopup runs the social sign-in. Social identities are always
// verified.
func (a *IdentityAdapter) SignInWithPopup(ctx context.Context) (*domain.ProviderSignIn, error) {
	ctx, span := identityTracer.Start(ctx, "IdentityAdapter.SignInWithPopup")
	defer span.End()

	user, err := a.provider.SignInWithPopup(ctx)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	token, err := a.provider.IDToken(ctx, false)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return &domain.ProviderSignIn{
		Profile: providerProfile(user, domain.AuthProviderExternal, true),
		IDToken: token,
	}, nil
}

// SignInWithEmail signs in with email and password. An unconfirmed email
// fails with KindNotVerified carrying the partial profile; the provider
// session is kept so verification can be resent.
func (a *IdentityAdapter) SignInWithEmail(ctx context.Context, email, password string) (*domain.ProviderSignIn, error) {
	ctx, span := identityTracer.Start(ctx, "IdentityAdapter.SignInWithEmail")
	defer span.End()

	user, err := a.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	profile := providerProfile(user, domain.AuthProviderExternalEmail, user.EmailVerified)
	if !user.EmailVerified {
		authErr := domain.NewAuthError(domain.KindNotVerified, "", nil)
		authErr.Profile = &profile
		return nil, authErr
	}

	token, err := a.provider.IDToken(ctx, false)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return &domain.ProviderSignIn{Profile: profile, IDToken: token}, nil
}

// RegisterWithEmail creates the account, sets its display name and dispatches
// the verification email. Failures after account creation are logged and do
// not fail the registration.
func (a *IdentityAdapter) RegisterWithEmail(ctx context.Context, email, password, name string) (*domain.ProviderRegistration, error) {
	ctx, span := identityTracer.Start(ctx, "IdentityAdapter.RegisterWithEmail")
	defer span.End()

	user, err := a.provider.CreateUser(ctx, email, password)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if name != "" {
		if err := a.provider.UpdateDisplayName(ctx, name); err != nil {
			a.logger.Warn("identity: failed to set display name", zap.String("uid", user.UID), zap.Error(err))
		} else {
			user.DisplayName = name
		}
	}

	verificationSent := true
	if err := a.provider.SendEmailVerification(ctx); err != nil {
		verificationSent = false
		a.logger.Warn("identity: failed to send verification email", zap.String("uid", user.UID), zap.Error(err))
	}

	// The account exists at this point. Without a token the controller
	// fetches one itself when it syncs.
	token, err := a.provider.IDToken(ctx, false)
	if err != nil {
		a.logger.Warn("identity: failed to read ID token after registration", zap.String("uid", user.UID), zap.Error(err))
		token = ""
	}

	return &domain.ProviderRegistration{
		Profile:          providerProfile(user, domain.AuthProviderExternalEmail, user.EmailVerified),
		IDToken:          token,
		VerificationSent: verificationSent,
	}, nil
}

// ResendVerification re-sends the verification email for the signed-in,
// still unverified account.
func (a *IdentityAdapter) ResendVerification(ctx context.Context) error {
	user := a.provider.CurrentUser()
	if user == nil || user.EmailVerified {
		return domain.NewAuthError(domain.KindValidation, "There is no pending email verification", domain.ErrNoPendingVerification)
	}
	if err := a.provider.SendEmailVerification(ctx); err != nil {
		return classifyProviderError(err)
	}
	return nil
}

// ============================================================
// Session
// ============================================================

// Reload re-reads the signed-in account and reports whether it may transact.
// A confirmed email/password account gets a fresh ID token so its claims
// carry the verification.
func (a *IdentityAdapter) Reload(ctx context.Context) (bool, error) {
	user, err := a.provider.Reload(ctx)
	if err != nil {
		return false, classifyProviderError(err)
	}
	verified := isVerifiedUser(user)
	if verified && user.Method == domain.ProviderMethodPassword {
		if _, err := a.provider.IDToken(ctx, true); err != nil {
			a.logger.Warn("identity: failed to refresh id token after reload", zap.String("uid", user.UID), zap.Error(err))
		}
	}
	return verified, nil
}

// IDToken returns a current ID token for backend synchronization.
func (a *IdentityAdapter) IDToken(ctx context.Context) (string, error) {
	token, err := a.provider.IDToken(ctx, false)
	if err != nil {
		return "", classifyProviderError(err)
	}
	return token, nil
}

// SignOut ends the provider session.
func (a *IdentityAdapter) SignOut(ctx context.Context) error {
	if err := a.provider.SignOut(ctx); err != nil {
		return classifyProviderError(err)
	}
	return nil
}

// Subscribe starts the single auth-change subscription. Provider callbacks
// only enqueue; the returned channel yields events in delivery order and is
// closed after unsubscribe.
func (a *IdentityAdapter) Subscribe() (<-chan domain.ProviderEvent, func(), error) {
	a.mu.Lock()
	if a.subscribed {
		a.mu.Unlock()
		return nil, nil, domain.ErrAlreadySubscribed
	}
	a.subscribed = true
	a.mu.Unlock()

	q := newEventQueue()
	go q.run()

	stopProvider := a.provider.OnAuthStateChanged(func(user *domain.ProviderUser) {
		q.push(providerEvent(user))
	})

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			stopProvider()
			q.close()
		})
	}
	return q.out, unsubscribe, nil
}

// ============================================================
// Event queue
// ============================================================

// eventQueue is an unbounded FIFO between SDK callbacks and the controller.
type eventQueue struct {
	mu      sync.Mutex
	pending []domain.ProviderEvent
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan domain.ProviderEvent
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan domain.ProviderEvent),
	}
}

func (q *eventQueue) push(ev domain.ProviderEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

// ============================================================
// Mapping
// ============================================================

func providerEvent(user *domain.ProviderUser) domain.ProviderEvent {
	if user == nil {
		return domain.ProviderEvent{}
	}
	profile := providerProfile(user, providerTag(user.Method), isVerifiedUser(user))
	return domain.ProviderEvent{Profile: &profile}
}

// isVerifiedUser: social identities are verified by the provider that issued
// them; email/password ones only once the email is confirmed.
func isVerifiedUser(user *domain.ProviderUser) bool {
	return user.EmailVerified || user.Method != domain.ProviderMethodPassword
}

func providerTag(method string) domain.AuthProvider {
	if method == domain.ProviderMethodPassword {
		return domain.AuthProviderExternalEmail
	}
	return domain.AuthProviderExternal
}

func providerProfile(user *domain.ProviderUser, tag domain.AuthProvider, verified bool) domain.UserProfile {
	return domain.UserProfile{
		ID:            domain.UserID(user.UID),
		Email:         user.Email,
		Name:          user.DisplayName,
		AvatarURL:     user.PhotoURL,
		Role:          domain.RoleCustomer,
		EmailVerified: verified,
		AuthProvider:  tag,
	}
}

// classifyProviderError maps provider codes and transport failures to an
// AuthError kind.
func classifyProviderError(err error) *domain.AuthError {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case domain.ProviderCodeEmailNotFound,
			domain.ProviderCodeInvalidPassword,
			domain.ProviderCodeInvalidCredentials,
			domain.ProviderCodeUserNotFound:
			return domain.NewAuthError(domain.KindInvalidCredentials, "", err)
		case domain.ProviderCodeUserDisabled:
			return domain.NewAuthError(domain.KindUserDisabled, "", err)
		case domain.ProviderCodeEmailExists:
			return domain.NewAuthError(domain.KindEmailInUse, "", err)
		case domain.ProviderCodeWeakPassword:
			msg := ""
			if perr.Message != perr.Code {
				msg = perr.Message
			}
			return domain.NewAuthError(domain.KindWeakPassword, msg, err)
		case domain.ProviderCodeInvalidEmail:
			return domain.NewAuthError(domain.KindValidation, "The email address is invalid", err)
		case domain.ProviderCodeTooManyAttempts:
			return domain.NewAuthError(domain.KindUnknown, "Too many attempts, please try again later", err)
		case domain.ProviderCodePopupClosed:
			return domain.NewAuthError(domain.KindUnknown, "Sign-in was cancelled", err)
		}
		if perr.Status >= 500 {
			return domain.NewAuthError(domain.KindNetwork, "", err)
		}
		return domain.NewAuthError(domain.KindUnknown, "", err)
	}

	if domain.IsTransportError(err) {
		return domain.NewAuthError(domain.KindNetwork, "", err)
	}
	return domain.NewAuthError(domain.KindUnknown, "", err)
}
