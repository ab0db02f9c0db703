package sso_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-sso"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testClientID   = "client-123"
	testIssuer     = "https://sts.windows.net/tenant-1/"
	testAltSecID   = "1:live.com:00037FFE8D2C1A42"
	testUniqueName = "live.com#jane@example.com"
)

// memStore is an in-memory sso.AccountStore. Comments stand in for the
// content owned by an account.
type memStore struct {
	mu       sync.Mutex
	order    []uuid.UUID
	accounts map[uuid.UUID]sso.Account
	attrs    map[uuid.UUID]map[string]string
	comments map[uuid.UUID]uuid.UUID

	reassignErr error
	deleteErr   error
	creates     int
	deletes     []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[uuid.UUID]sso.Account{},
		attrs:    map[uuid.UUID]map[string]string{},
		comments: map[uuid.UUID]uuid.UUID{},
	}
}

func (s *memStore) seed(login string, attrs map[string]string) *sso.Account {
	acc, err := s.Create(context.Background(), &sso.Account{
		Login: login,
		Email: login + "@example.com",
		Role:  sso.DefaultRole,
	}, attrs)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.creates--
	s.mu.Unlock()
	return acc
}

func (s *memStore) addComments(owner uuid.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.comments[uuid.New()] = owner
	}
}

func (s *memStore) commentCount(owner uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.comments {
		if o == owner {
			n++
		}
	}
	return n
}

func (s *memStore) exists(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[id]
	return ok
}

func (s *memStore) attr(id uuid.UUID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[id][key]
	return v, ok
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*sso.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, repository.NewRecordNotFound()
	}
	return &acc, nil
}

func (s *memStore) GetByLogin(_ context.Context, login string) (*sso.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if acc, ok := s.accounts[id]; ok && acc.Login == login {
			return &acc, nil
		}
	}
	return nil, repository.NewRecordNotFound()
}

func (s *memStore) FindByAttribute(_ context.Context, key, value string) (*sso.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		acc, ok := s.accounts[id]
		if !ok {
			continue
		}
		if v, ok := s.attrs[id][key]; ok && v == value {
			return &acc, nil
		}
	}
	return nil, repository.NewRecordNotFound()
}

func (s *memStore) Create(_ context.Context, account *sso.Account, attributes map[string]string) (*sso.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Login == account.Login {
			return nil, fmt.Errorf("login %q already exists", account.Login)
		}
	}
	acc := *account
	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
	}
	now := time.Now()
	acc.CreatedAt = &now
	s.accounts[acc.ID] = acc
	s.order = append(s.order, acc.ID)
	s.attrs[acc.ID] = map[string]string{}
	for k, v := range attributes {
		s.attrs[acc.ID][k] = v
	}
	s.creates++
	return &acc, nil
}

func (s *memStore) GetAttribute(_ context.Context, id uuid.UUID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[id][key]
	return v, ok, nil
}

func (s *memStore) SetAttribute(_ context.Context, id uuid.UUID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs[id] == nil {
		s.attrs[id] = map[string]string{}
	}
	s.attrs[id][key] = value
	return nil
}

func (s *memStore) DeleteAttribute(_ context.Context, id uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs[id], key)
	return nil
}

func (s *memStore) ReassignContent(_ context.Context, from, to uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reassignErr != nil {
		return 0, s.reassignErr
	}
	var moved int64
	for id, owner := range s.comments {
		if owner == from {
			s.comments[id] = to
			moved++
		}
	}
	return moved, nil
}

func (s *memStore) Delete(_ context.Context, id, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.accounts[id]; !ok {
		return repository.NewRecordNotFound()
	}
	delete(s.accounts, id)
	delete(s.attrs, id)
	s.deletes = append(s.deletes, id)
	return nil
}

// failingStore fails attribute lookups.
type failingStore struct {
	*memStore
	err error
}

func (s *failingStore) FindByAttribute(context.Context, string, string) (*sso.Account, error) {
	return nil, s.err
}

var errStoreDown = errors.New("store unavailable")

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type activityRecorder struct {
	mu     sync.Mutex
	events []sso.ActivityEvent
}

func (r *activityRecorder) Record(_ context.Context, event sso.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *activityRecorder) types() []sso.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sso.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *activityRecorder) last(eventType sso.ActivityEventType) (sso.ActivityEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == eventType {
			return r.events[i], true
		}
	}
	return sso.ActivityEvent{}, false
}

// tokenIssuer signs id tokens with an RSA key published as a self signed
// certificate.
type tokenIssuer struct {
	kid  string
	key  *rsa.PrivateKey
	cert []byte
}

var (
	issuerMu    sync.Mutex
	issuerCache = map[string]*tokenIssuer{}
)

func newTokenIssuer(t *testing.T, kid string) *tokenIssuer {
	t.Helper()
	issuerMu.Lock()
	defer issuerMu.Unlock()
	if iss, ok := issuerCache[kid]; ok {
		return iss
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "accounts.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	iss := &tokenIssuer{kid: kid, key: key, cert: der}
	issuerCache[kid] = iss
	return iss
}

func (i *tokenIssuer) signingKey() sso.SigningKey {
	return sso.SigningKey{KeyID: i.kid, Certificate: i.cert, Algorithm: sso.AlgorithmRS256}
}

func (i *tokenIssuer) keySet() sso.KeySet {
	return sso.KeySet{i.signingKey()}
}

func (i *tokenIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return i.signWith(t, jwt.SigningMethodRS256, claims)
}

func (i *tokenIssuer) signWith(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = i.kid
	signed, err := token.SignedString(i.key)
	require.NoError(t, err)
	return signed
}

// idClaims returns a valid claim set for nonce. A nil override removes the
// claim.
func idClaims(now time.Time, nonce string, overrides map[string]any) jwt.MapClaims {
	claims := jwt.MapClaims{
		"aud":         testClientID,
		"iss":         testIssuer,
		"sub":         "pairwise-sub",
		"iat":         now.Add(-time.Minute).Unix(),
		"exp":         now.Add(time.Hour).Unix(),
		"nonce":       nonce,
		"altsecid":    testAltSecID,
		"email":       "jane@example.com",
		"given_name":  "Jane",
		"family_name": "Doe",
		"unique_name": testUniqueName,
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

func testSettings() sso.Settings {
	return sso.Settings{
		ClientID:          testClientID,
		RedirectURI:       "https://app.example.com/auth/sso/callback",
		LogoutRedirectURI: "https://app.example.com/",
		OrgDisplayName:    "Example Org",
		OpenRegistration:  true,
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
