// Package auth issues email login challenges and signed session tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmailRequired     = errors.New("auth: email required")
	ErrChallengeNotFound = errors.New("auth: challenge not found or expired")
	ErrInvalidCode       = errors.New("auth: invalid verification code")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrTokenExpired      = errors.New("auth: token expired")
)

const (
	// DefaultTokenTTL is used when IssueToken gets a zero ttl.
	DefaultTokenTTL = 24 * time.Hour
	challengeTTL    = 10 * time.Minute
	maxAttempts     = 5
)

// Manager handles email challenges and session token issuance.
type Manager struct {
	secret []byte
	now    func() time.Time

	mu         sync.Mutex
	challenges map[string]*challenge
}

type challenge struct {
	email    string
	code     string
	expires  time.Time
	attempts int
}

// NewManager creates a Manager signing tokens with secret.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: secret required")
	}
	return &Manager{
		secret:     []byte(secret),
		now:        time.Now,
		challenges: make(map[string]*challenge),
	}, nil
}

// CreateChallenge registers a six digit verification code for email.
func (m *Manager) CreateChallenge(email string) (challengeID, code string, expires time.Time, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", "", time.Time{}, ErrEmailRequired
	}
	code, err = randomCode()
	if err != nil {
		return "", "", time.Time{}, err
	}
	challengeID = uuid.NewString()
	expires = m.now().Add(challengeTTL)

	m.mu.Lock()
	m.sweepLocked()
	m.challenges[challengeID] = &challenge{email: email, code: code, expires: expires}
	m.mu.Unlock()
	return challengeID, code, expires, nil
}

// VerifyChallenge consumes the challenge and returns its email. A challenge
// is dropped after too many wrong codes.
func (m *Manager) VerifyChallenge(challengeID, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[challengeID]
	if !ok || m.now().After(c.expires) {
		delete(m.challenges, challengeID)
		return "", ErrChallengeNotFound
	}
	if !hmac.Equal([]byte(c.code), []byte(strings.TrimSpace(code))) {
		c.attempts++
		if c.attempts >= maxAttempts {
			delete(m.challenges, challengeID)
		}
		return "", ErrInvalidCode
	}
	delete(m.challenges, challengeID)
	return c.email, nil
}

// Sweep drops expired login challenges.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *Manager) sweepLocked() {
	now := m.now()
	for id, c := range m.challenges {
		if now.After(c.expires) {
			delete(m.challenges, id)
		}
	}
}

// IssueToken issues a signed session token for email.
func (m *Manager) IssueToken(email string, ttl time.Duration) (string, error) {
	if email == "" {
		return "", ErrEmailRequired
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	payload := fmt.Sprintf("%s|%d", email, m.now().Add(ttl).Unix())
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken checks the signature and expiry and returns the email.
func (m *Manager) ValidateToken(token string) (string, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return "", ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil || !hmac.Equal(sig, m.sign(payload)) {
		return "", ErrInvalidToken
	}
	sep := strings.LastIndex(string(payload), "|")
	if sep == -1 {
		return "", ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(string(payload[sep+1:]), 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if m.now().Unix() > expiry {
		return "", ErrTokenExpired
	}
	return string(payload[:sep]), nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

func randomCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	value := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	return fmt.Sprintf("%06d", value%1000000), nil
}
