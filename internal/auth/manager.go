package auth

import (
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gridworks/scada/internal/core"
)

// Brute-force lockout: 5 consecutive failures within the window locks the
// account for the lockout duration.
const (
	maxLoginFailures = 5
	failureWindow    = 15 * time.Minute
	lockoutDuration  = 15 * time.Minute
)

// User is one operator account. Passwords exist only as bcrypt hashes.
type User struct {
	Username     string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
	LastLogin    time.Time

	failures    []time.Time
	lockedUntil time.Time
}

// UserInfo is the externally visible view of a user.
type UserInfo struct {
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	Locked    bool      `json:"locked"`
}

// SecurityNotifier receives auth-related security events; implemented by
// the security engine.
type SecurityNotifier interface {
	NotifyAuthFailure(username, ip, reason string)
	NotifyPermissionDenied(username, ip string, permission string)
}

// TokenBundle is the login response payload.
type TokenBundle struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Manager is the authentication and authorisation gate.
type Manager struct {
	mu       sync.RWMutex
	users    map[string]*User
	signer   *signer
	audit    *Trail
	notifier SecurityNotifier
	logger   *log.Logger
	now      func() time.Time
}

// SeedUser declares one account created at startup.
type SeedUser struct {
	Username string
	Password string
	Role     Role
}

// NewManager builds the gate, hashing the seed users' passwords.
func NewManager(secret string, tokenLifetime time.Duration, seeds []SeedUser, audit *Trail) (*Manager, error) {
	m := &Manager{
		users:  make(map[string]*User),
		signer: newSigner(secret, tokenLifetime),
		audit:  audit,
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, s := range seeds {
		if err := m.CreateUser(s.Username, s.Password, s.Role); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetNotifier wires the security engine after construction (the engine is
// created later in the bootstrap order).
func (m *Manager) SetNotifier(n SecurityNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// CreateUser adds an account. Requires a valid role and unique username.
func (m *Manager) CreateUser(username, password string, role Role) error {
	if username == "" || password == "" {
		return core.E(core.KindValidation, "username and password required")
	}
	if !ValidRole(string(role)) {
		return core.Ef(core.KindValidation, "unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return core.Wrap(core.KindInternal, "hash password", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return core.Ef(core.KindConflict, "user %s already exists", username)
	}
	m.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    m.now(),
	}
	return nil
}

// DeleteUser removes an account.
func (m *Manager) DeleteUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return core.Ef(core.KindNotFound, "user %s not found", username)
	}
	delete(m.users, username)
	return nil
}

// ListUsers returns the visible view of all accounts.
func (m *Manager) ListUsers() []UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]UserInfo, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, UserInfo{
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: u.CreatedAt,
			Locked:    now.Before(u.lockedUntil),
		})
	}
	return out
}

// Login verifies credentials and issues a bearer token. Every outcome is
// audited; failures feed the lockout counter.
func (m *Manager) Login(username, password, ip string) (*TokenBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	u, ok := m.users[username]
	if !ok {
		m.recordLogin(username, ip, core.AuditFailure, "unknown user")
		return nil, core.E(core.KindAuthFailure, "invalid credentials")
	}

	if now.Before(u.lockedUntil) {
		m.recordLogin(username, ip, core.AuditDenied, "account locked")
		if m.notifier != nil {
			m.notifier.NotifyAuthFailure(username, ip, "account locked")
		}
		return nil, core.E(core.KindAuthFailure, "account locked")
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		u.failures = append(u.failures, now)
		u.failures = pruneWindow(u.failures, now.Add(-failureWindow))
		if len(u.failures) >= maxLoginFailures {
			u.lockedUntil = now.Add(lockoutDuration)
			u.failures = nil
			m.logger.Printf("account %s locked after repeated failures", username)
			if m.notifier != nil {
				m.notifier.NotifyAuthFailure(username, ip, "brute force lockout")
			}
		} else if m.notifier != nil {
			m.notifier.NotifyAuthFailure(username, ip, "bad password")
		}
		m.recordLogin(username, ip, core.AuditFailure, "bad password")
		return nil, core.E(core.KindAuthFailure, "invalid credentials")
	}

	u.failures = nil
	u.LastLogin = now
	token, expiresIn := m.signer.issue(username, u.Role, now)
	m.recordLogin(username, ip, core.AuditSuccess, "")

	return &TokenBundle{AccessToken: token, TokenType: "bearer", ExpiresIn: expiresIn}, nil
}

func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) recordLogin(username, ip string, result core.AuditResult, reason string) {
	if m.audit == nil {
		return
	}
	var meta map[string]interface{}
	if reason != "" {
		meta = map[string]interface{}{"reason": reason}
	}
	m.audit.Record(core.AuditEntry{
		OperatorID: username,
		Action:     "auth.login",
		Resource:   "session",
		Result:     result,
		IP:         ip,
		Metadata:   meta,
	})
}

// Verify checks a bearer token and returns its claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	return m.signer.verify(token, m.now())
}

// Authorise verifies the token and checks the permission against the
// role matrix. A valid token without the permission is PermissionDenied.
func (m *Manager) Authorise(token string, perm Permission, ip string) (*Claims, error) {
	claims, err := m.Verify(token)
	if err != nil {
		return nil, err
	}
	if !HasPermission(claims.Role, perm) {
		if m.notifier != nil {
			m.notifier.NotifyPermissionDenied(claims.Sub, ip, string(perm))
		}
		return nil, core.Ef(core.KindPermissionDenied, "role %s lacks permission %s", claims.Role, perm).
			WithDetails(map[string]interface{}{"permission": string(perm)})
	}
	return claims, nil
}
