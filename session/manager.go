// Package session owns the cashier credential: it restores it from a Store
// at startup, validates it against the profile endpoint, attaches it to the
// API client and tears it down when the server rejects it.
package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-query-sync/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoSession is returned by Restore when no credential is stored.
	ErrNoSession = errors.New("session: no stored credential")

	// ErrEmptyToken is returned when the login endpoint answers without a token.
	ErrEmptyToken = errors.New("session: login returned an empty token")
)

const (
	loginPath   = "auth/login"
	profilePath = "auth/me"
)

// API is the part of the transport client the manager drives.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	PostForm(ctx context.Context, path string, form url.Values, out any) error
	SetCredentials(src transport.CredentialSource)
	OnUnauthorized(fn func(error)) func()
}

// Profile is the authenticated cashier.
type Profile struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"full_name"`
	StoreID     int64  `json:"store_id"`
	StoreName   string `json:"store_name"`
	IsActive    bool   `json:"is_active"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
}

// Credentials are the login form fields.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks both fields are present.
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.Password, validation.Required),
	)
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Manager holds the current credential and implements
// transport.CredentialSource.
type Manager struct {
	api    API
	store  Store
	logger *zap.Logger
	group  singleflight.Group
	detach func()

	mu        sync.RWMutex
	token     string
	profile   *Profile
	listeners map[uint64]func(error)
	nextID    uint64
}

// NewManager binds a manager to api: the manager becomes the credential
// source and a 401 from any request rejects the session.
func NewManager(api API, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		api:       api,
		store:     store,
		logger:    logger.Named("session"),
		listeners: make(map[uint64]func(error)),
	}
	api.SetCredentials(m)
	m.detach = api.OnUnauthorized(m.Reject)
	return m
}

// Token implements transport.CredentialSource.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Authenticated reports whether a credential is held.
func (m *Manager) Authenticated() bool {
	return m.Token() != ""
}

// Profile returns the validated cashier, if any.
func (m *Manager) Profile() (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return Profile{}, false
	}
	return *m.profile, true
}

// Restore loads the stored credential and validates it through the profile
// endpoint. Concurrent callers share one attempt. A rejected credential is
// removed; a network failure keeps it for the next attempt.
func (m *Manager) Restore(ctx context.Context) (Profile, error) {
	v, err, shared := m.group.Do("restore", func() (any, error) {
		return m.restore(ctx)
	})
	if shared {
		m.logger.Debug("restore shared")
	}
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

func (m *Manager) restore(ctx context.Context) (Profile, error) {
	if p, ok := m.Profile(); ok && m.Authenticated() {
		return p, nil
	}

	token, ok, err := m.store.Load(ctx, TokenKey)
	if err != nil {
		return Profile{}, goerrors.Wrap(err, goerrors.CategoryInternal, "load stored credential")
	}
	if !ok || token == "" {
		return Profile{}, ErrNoSession
	}

	m.setToken(token)
	profile, err := m.fetchProfile(ctx)
	if err != nil {
		m.logger.Info("stored credential not restored", zap.Error(err))
		return Profile{}, err
	}
	m.logger.Info("session restored", zap.String("username", profile.Username))
	return profile, nil
}

// Login exchanges creds for a bearer token, persists it and loads the
// profile.
func (m *Manager) Login(ctx context.Context, creds Credentials) (Profile, error) {
	if err := creds.Validate(); err != nil {
		return Profile{}, goerrors.FromOzzoValidation(err, "invalid credentials")
	}

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	var resp loginResponse
	if err := m.api.PostForm(ctx, loginPath, form, &resp); err != nil {
		return Profile{}, err
	}
	if resp.AccessToken == "" {
		return Profile{}, ErrEmptyToken
	}

	if err := m.store.Save(ctx, TokenKey, resp.AccessToken); err != nil {
		return Profile{}, goerrors.Wrap(err, goerrors.CategoryInternal, "persist credential")
	}
	m.setToken(resp.AccessToken)

	profile, err := m.fetchProfile(ctx)
	if err != nil {
		return Profile{}, err
	}
	m.logger.Info("logged in", zap.String("username", profile.Username))
	return profile, nil
}

// Logout drops the credential locally and in the store and notifies the
// OnLogout listeners with a nil reason.
func (m *Manager) Logout(ctx context.Context) error {
	listeners, had := m.clear()
	err := m.store.Delete(ctx, TokenKey)
	if had {
		notify(listeners, nil)
	}
	return err
}

// Reject tears the session down after the server refused the credential.
// Listeners receive reason. It is a no-op without a credential.
func (m *Manager) Reject(reason error) {
	listeners, had := m.clear()
	if !had {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Delete(ctx, TokenKey); err != nil {
		m.logger.Warn("failed to delete rejected credential", zap.Error(err))
	}
	m.logger.Info("credential rejected", zap.Error(reason))
	notify(listeners, reason)
}

// OnLogout registers fn to run when the session ends. reason is nil for an
// explicit Logout. The returned function removes fn.
func (m *Manager) OnLogout(fn func(reason error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close detaches the manager from the API client.
func (m *Manager) Close() {
	if m.detach != nil {
		m.detach()
	}
}

func (m *Manager) fetchProfile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := m.api.Get(ctx, profilePath, nil, &p); err != nil {
		return Profile{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// a concurrent Reject wins
	if m.token == "" {
		return Profile{}, transport.AuthenticationError("session ended")
	}
	m.profile = &p
	return p, nil
}

func (m *Manager) setToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.profile = nil
}

func (m *Manager) clear() ([]func(error), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.token != ""
	m.token = ""
	m.profile = nil

	listeners := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return listeners, had
}

func notify(listeners []func(error), reason error) {
	for _, fn := range listeners {
		fn(reason)
	}
}
