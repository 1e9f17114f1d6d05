package local

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

const (
	usersCollection    = "_auth_users"
	sessionsCollection = "_auth_sessions"
	secretFile         = "_secret"
)

type authConfig struct {
	secret     string
	secretDir  string
	issuer     string
	ttl        time.Duration
	bcryptCost int
	// zero allows any non-empty password
	minPassword int
}

// Auth stores bcrypt-hashed users and issues HS256 session tokens. A token is only
// valid while its session record exists, so SignOut revokes it immediately.
type Auth struct {
	db     *Database
	cfg    authConfig
	logger polybase.Logger

	// serializes email uniqueness checks
	mu     sync.Mutex
	secret []byte
	now    func() time.Time
}

func newAuth(db *Database, cfg authConfig, logger polybase.Logger) *Auth {
	if cfg.ttl <= 0 {
		cfg.ttl = polybase.DefaultSessionTTL
	}
	if cfg.bcryptCost == 0 {
		cfg.bcryptCost = bcrypt.DefaultCost
	}
	return &Auth{db: db, cfg: cfg, logger: logger, now: time.Now}
}

func (a *Auth) Name() string { return nameAuth }

// Start loads the signing secret, generating and persisting one on first use.
func (a *Auth) Start(ctx context.Context) error {
	if a.cfg.bcryptCost < bcrypt.MinCost || a.cfg.bcryptCost > bcrypt.MaxCost {
		return polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field": OptBcryptCost,
			"value": a.cfg.bcryptCost,
		})
	}
	if a.cfg.secret != "" {
		a.secret = []byte(a.cfg.secret)
		return nil
	}
	secret, err := loadOrCreateSecret(filepath.Join(a.cfg.secretDir, secretFile))
	if err != nil {
		return err
	}
	a.secret = secret
	return nil
}

func (a *Auth) Stop(ctx context.Context) error { return nil }

func (a *Auth) Health(ctx context.Context) error {
	if len(a.secret) == 0 {
		return polybase.WithContext(polybase.ErrNotInitialized, map[string]interface{}{
			"component": nameAuth,
		})
	}
	return nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) > 0 {
		return raw, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read signing secret: %w", polybase.ErrInitialization, err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: generate signing secret: %w", polybase.ErrInitialization, err)
	}
	secret := []byte(hex.EncodeToString(buf))
	if err := os.MkdirAll(filepath.Dir(path), polybase.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("%w: %w", polybase.ErrInitialization, err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("%w: write signing secret: %w", polybase.ErrInitialization, err)
	}
	return secret, nil
}

func (a *Auth) SignUp(ctx context.Context, email, password, name string) (polybase.Session, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") {
		return polybase.Session{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "email",
			"reason": "a valid email address is required",
		})
	}
	if password == "" {
		return polybase.Session{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "password",
			"reason": "a password is required",
		})
	}
	if len(password) < a.cfg.minPassword {
		return polybase.Session{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "password",
			"reason": fmt.Sprintf("must be at least %d characters", a.cfg.minPassword),
		})
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cfg.bcryptCost)
	if err != nil {
		return polybase.Session{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "password",
			"reason": err.Error(),
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.db.internal()
	if err != nil {
		return polybase.Session{}, err
	}
	if _, ok, err := a.findByEmail(s, email); err != nil {
		return polybase.Session{}, err
	} else if ok {
		return polybase.Session{}, polybase.WithContext(polybase.ErrAlreadyExists, map[string]interface{}{
			"email": email,
		})
	}

	docs, err := s.Apply([]docstore.Op{{
		Kind:       docstore.OpCreate,
		Collection: usersCollection,
		ID:         polybase.NewID(),
		Fields: polybase.Fields{
			"email":         email,
			"name":          name,
			"passwordHash":  string(hash),
			"hashAlgorithm": polybase.HashBcrypt,
		},
	}})
	if err != nil {
		return polybase.Session{}, err
	}
	user := userFromDoc(docs[0])
	a.logger.Info("User signed up", "user_id", user.ID)
	return a.issue(s, user)
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (polybase.Session, error) {
	s, err := a.db.internal()
	if err != nil {
		return polybase.Session{}, err
	}
	doc, ok, err := a.findByEmail(s, normalizeEmail(email))
	if err != nil {
		return polybase.Session{}, err
	}
	hash, _ := doc.Fields["passwordHash"].(string)
	if !ok || hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return polybase.Session{}, polybase.ErrAuthentication
	}
	return a.issue(s, userFromDoc(doc))
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func (a *Auth) issue(s *docstore.Store, user polybase.User) (polybase.Session, error) {
	now := a.now().UTC()
	expires := now.Add(a.cfg.ttl)
	jti := polybase.NewID()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.ID,
			Issuer:    a.cfg.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Email: user.Email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return polybase.Session{}, fmt.Errorf("%w: sign token: %w", polybase.ErrAuthentication, err)
	}
	_, err = s.Apply([]docstore.Op{{
		Kind:       docstore.OpPut,
		Collection: sessionsCollection,
		ID:         sessionID(jti),
		Fields: polybase.Fields{
			"userId":    user.ID,
			"expiresAt": expires.Format(time.RFC3339Nano),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}})
	if err != nil {
		return polybase.Session{}, err
	}
	return polybase.Session{User: user, Token: token, ExpiresAt: expires}, nil
}

// sessionID keys session records by a digest of the token id.
func sessionID(jti string) string {
	sum := sha256.Sum256([]byte(jti))
	return hex.EncodeToString(sum[:])
}

func (a *Auth) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", polybase.ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, polybase.ErrInvalidToken
	}
	return claims, nil
}

// VerifyToken accepts only unexpired, unrevoked tokens whose user still exists.
func (a *Auth) VerifyToken(ctx context.Context, token string) (polybase.User, error) {
	claims, err := a.parse(token)
	if err != nil {
		return polybase.User{}, err
	}
	s, err := a.db.internal()
	if err != nil {
		return polybase.User{}, err
	}
	if _, err := s.Get(sessionsCollection, sessionID(claims.ID)); err != nil {
		if polybase.IsNotFound(err) {
			return polybase.User{}, polybase.ErrInvalidToken
		}
		return polybase.User{}, err
	}
	doc, err := s.Get(usersCollection, claims.Subject)
	if err != nil {
		if polybase.IsNotFound(err) {
			return polybase.User{}, polybase.ErrInvalidToken
		}
		return polybase.User{}, err
	}
	return userFromDoc(doc), nil
}

// SignOut revokes the session. Signing out twice is not an error.
func (a *Auth) SignOut(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	s, err := a.db.internal()
	if err != nil {
		return err
	}
	_, err = s.Apply([]docstore.Op{{
		Kind:       docstore.OpDelete,
		Collection: sessionsCollection,
		ID:         sessionID(claims.ID),
	}})
	if err != nil && !polybase.IsNotFound(err) {
		return err
	}
	return nil
}

func (a *Auth) GetUser(ctx context.Context, id string) (polybase.User, error) {
	s, err := a.db.internal()
	if err != nil {
		return polybase.User{}, err
	}
	doc, err := s.Get(usersCollection, id)
	if err != nil {
		return polybase.User{}, err
	}
	return userFromDoc(doc), nil
}

// ListUsers exports every user with its bcrypt hash.
func (a *Auth) ListUsers(ctx context.Context) ([]polybase.UserRecord, error) {
	s, err := a.db.internal()
	if err != nil {
		return nil, err
	}
	docs, err := s.All(usersCollection)
	if err != nil {
		return nil, err
	}
	out := make([]polybase.UserRecord, 0, len(docs))
	for _, d := range docs {
		hash, _ := d.Fields["passwordHash"].(string)
		algo, _ := d.Fields["hashAlgorithm"].(string)
		if hash == "" {
			algo = polybase.HashNone
		}
		out = append(out, polybase.UserRecord{User: userFromDoc(d), PasswordHash: hash, HashAlgorithm: algo})
	}
	return out, nil
}

// ImportUsers keeps ids, emails and bcrypt hashes. Users whose email already exists
// are skipped; users with a foreign hash are imported without a password.
func (a *Auth) ImportUsers(ctx context.Context, users []polybase.UserRecord) (polybase.ImportResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.db.internal()
	if err != nil {
		return polybase.ImportResult{}, err
	}

	var res polybase.ImportResult
	var ops []docstore.Op
	seen := make(map[string]bool)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		email := normalizeEmail(u.Email)
		if email == "" || seen[email] {
			res.Skipped++
			continue
		}
		if _, ok, err := a.findByEmail(s, email); err != nil {
			return res, err
		} else if ok {
			res.Skipped++
			continue
		}
		seen[email] = true

		id := u.ID
		if id == "" {
			id = polybase.NewID()
		}
		fields := polybase.Fields{"email": email, "name": u.Name}
		if u.HashAlgorithm == polybase.HashBcrypt && u.PasswordHash != "" {
			fields["passwordHash"] = u.PasswordHash
			fields["hashAlgorithm"] = polybase.HashBcrypt
		} else {
			res.Notes = append(res.Notes, fmt.Sprintf("%s imported without a password; a reset is required", email))
		}
		created := u.CreatedAt
		if created.IsZero() {
			created = a.now().UTC()
		}
		ops = append(ops, docstore.Op{
			Kind:       docstore.OpPut,
			Collection: usersCollection,
			ID:         id,
			Fields:     fields,
			CreatedAt:  created,
			UpdatedAt:  created,
		})
	}
	if len(ops) > 0 {
		if _, err := s.Apply(ops); err != nil {
			return res, err
		}
	}
	res.Imported = len(ops)
	a.logger.Info("Users imported", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func (a *Auth) findByEmail(s *docstore.Store, email string) (polybase.Document, bool, error) {
	docs, err := s.Query(usersCollection, []polybase.Filter{polybase.Where("email", polybase.OpEqual, email)})
	if err != nil {
		return polybase.Document{}, false, err
	}
	if len(docs) == 0 {
		return polybase.Document{}, false, nil
	}
	return docs[0], true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userFromDoc(d polybase.Document) polybase.User {
	email, _ := d.Fields["email"].(string)
	name, _ := d.Fields["name"].(string)
	return polybase.User{ID: d.ID, Email: email, Name: name, CreatedAt: d.CreatedAt}
}

var (
	_ polybase.AuthProvider = (*Auth)(nil)
	_ polybase.Component    = (*Auth)(nil)
)
