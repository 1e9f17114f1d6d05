package firebase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/auth/hash"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/adrianmcphee/polybase"
)

// importBatch is the Firebase Auth limit per ImportUsers call.
const importBatch = 1000

// call runs fn through the breaker, mapping errors first so transient failures trip it.
func call(ctx context.Context, cb *polybase.CircuitBreaker, op string, fn func(ctx context.Context) error) error {
	return cb.Execute(ctx, func(ctx context.Context) error {
		return mapError(fn(ctx), map[string]interface{}{"operation": op})
	})
}

// identityClient signs users in with email and password over the Identity Toolkit API,
// which needs the project's web API key. It is nil when no key is configured.
type identityClient struct {
	svc *identitytoolkit.Service
}

func newIdentityClient(ctx context.Context, s settings, extra []option.ClientOption) (*identityClient, error) {
	key := s.apiKey
	if key == "" && !s.useEmulator {
		return nil, nil
	}
	opts := append([]option.ClientOption{}, extra...)
	if s.useEmulator {
		if key == "" {
			key = "emulator"
		}
		opts = append(opts, option.WithEndpoint(
			fmt.Sprintf("http://%s/www.googleapis.com/identitytoolkit/v3/relyingparty/", s.emulator(authEmulatorPort))))
	}
	opts = append(opts, option.WithAPIKey(key))
	svc, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &identityClient{svc: svc}, nil
}

// Auth implements polybase.AuthProvider on Firebase Auth.
//
// SignOut revokes every refresh token of the user, so all of the user's sessions end.
type Auth struct {
	client   *auth.Client
	identity *identityClient
	breaker  *polybase.CircuitBreaker
	logger   polybase.Logger
}

func newAuth(client *auth.Client, identity *identityClient, cb *polybase.CircuitBreaker, logger polybase.Logger) *Auth {
	return &Auth{client: client, identity: identity, breaker: cb, logger: logger}
}

func (a *Auth) Name() string                    { return "auth" }
func (a *Auth) Start(ctx context.Context) error { return nil }
func (a *Auth) Stop(ctx context.Context) error  { return nil }

// Health performs a cheap lookup; a missing user proves the API answered.
func (a *Auth) Health(ctx context.Context) error {
	err := call(ctx, a.breaker, "auth.health", func(ctx context.Context) error {
		_, err := a.client.GetUser(ctx, "polybase-health-probe")
		return err
	})
	if polybase.IsNotFound(err) {
		return nil
	}
	return err
}

func (a *Auth) requireIdentity() error {
	if a.identity == nil {
		return polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"operation": "password sign-in",
			"reason":    "the apiKey option is required",
		})
	}
	return nil
}

func (a *Auth) SignUp(ctx context.Context, email, password, name string) (polybase.Session, error) {
	if err := a.requireIdentity(); err != nil {
		return polybase.Session{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	params := (&auth.UserToCreate{}).Email(email).Password(password)
	if name != "" {
		params = params.DisplayName(name)
	}
	err := call(ctx, a.breaker, "auth.signup", func(ctx context.Context) error {
		_, err := a.client.CreateUser(ctx, params)
		return err
	})
	if err != nil {
		return polybase.Session{}, err
	}
	return a.SignIn(ctx, email, password)
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (polybase.Session, error) {
	if err := a.requireIdentity(); err != nil {
		return polybase.Session{}, err
	}
	var resp *identitytoolkit.VerifyPasswordResponse
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = a.identity.svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
			Email:             strings.ToLower(strings.TrimSpace(email)),
			Password:          password,
			ReturnSecureToken: true,
		}).Context(ctx).Do()
		if isCredentialError(err) {
			return polybase.ErrAuthentication
		}
		return mapError(err, map[string]interface{}{"operation": "auth.signin"})
	})
	if err != nil {
		return polybase.Session{}, err
	}
	user := polybase.User{ID: resp.LocalId, Email: resp.Email, Name: resp.DisplayName}
	if rec, err := a.GetUser(ctx, resp.LocalId); err == nil {
		user = rec
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return polybase.Session{User: user, Token: resp.IdToken, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// isCredentialError reports the Identity Toolkit answers for a bad email or password.
func isCredentialError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != 400 {
		return false
	}
	for _, reason := range []string{"EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED"} {
		if strings.Contains(gerr.Message, reason) {
			return true
		}
	}
	return false
}

func (a *Auth) VerifyToken(ctx context.Context, token string) (polybase.User, error) {
	var uid string
	err := call(ctx, a.breaker, "auth.verify", func(ctx context.Context) error {
		t, err := a.client.VerifyIDTokenAndCheckRevoked(ctx, token)
		if err != nil {
			return err
		}
		uid = t.UID
		return nil
	})
	if err != nil {
		return polybase.User{}, err
	}
	return a.GetUser(ctx, uid)
}

func (a *Auth) SignOut(ctx context.Context, token string) error {
	return call(ctx, a.breaker, "auth.signout", func(ctx context.Context) error {
		t, err := a.client.VerifyIDToken(ctx, token)
		if err != nil {
			return err
		}
		return a.client.RevokeRefreshTokens(ctx, t.UID)
	})
}

func (a *Auth) GetUser(ctx context.Context, id string) (polybase.User, error) {
	var rec *auth.UserRecord
	err := call(ctx, a.breaker, "auth.get", func(ctx context.Context) error {
		var err error
		rec, err = a.client.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return polybase.User{}, err
	}
	return userFromRecord(rec), nil
}

func userFromRecord(rec *auth.UserRecord) polybase.User {
	u := polybase.User{ID: rec.UID, Email: rec.Email, Name: rec.DisplayName}
	if rec.UserMetadata != nil && rec.UserMetadata.CreationTimestamp > 0 {
		u.CreatedAt = time.UnixMilli(rec.UserMetadata.CreationTimestamp).UTC()
	}
	return u
}

// ListUsers exports users with their Firebase scrypt hashes. Those hashes cannot be
// verified by other backends and are reported as such.
func (a *Auth) ListUsers(ctx context.Context) ([]polybase.UserRecord, error) {
	var out []polybase.UserRecord
	err := call(ctx, a.breaker, "auth.list", func(ctx context.Context) error {
		out = out[:0]
		it := a.client.Users(ctx, "")
		for {
			u, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			rec := polybase.UserRecord{User: userFromRecord(u.UserRecord)}
			if u.PasswordHash != "" {
				rec.PasswordHash = u.PasswordHash
				rec.HashAlgorithm = "scrypt"
			}
			out = append(out, rec)
		}
	})
	return out, err
}

// ImportUsers keeps ids and bcrypt hashes. Existing emails are skipped.
func (a *Auth) ImportUsers(ctx context.Context, users []polybase.UserRecord) (polybase.ImportResult, error) {
	var res polybase.ImportResult
	var batch []*auth.UserToImport
	var emails []string
	withHash := false

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var opts []auth.UserImportOption
		if withHash {
			opts = append(opts, auth.WithHash(hash.Bcrypt{}))
		}
		var out *auth.UserImportResult
		err := call(ctx, a.breaker, "auth.import", func(ctx context.Context) error {
			var err error
			out, err = a.client.ImportUsers(ctx, batch, opts...)
			return err
		})
		if err != nil {
			return err
		}
		res.Imported += out.SuccessCount
		res.Skipped += out.FailureCount
		for _, e := range out.Errors {
			if e.Index >= 0 && e.Index < len(emails) {
				res.Notes = append(res.Notes, fmt.Sprintf("%s not imported: %s", emails[e.Index], e.Reason))
			}
		}
		batch, emails, withHash = nil, nil, false
		return nil
	}

	for _, u := range users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			res.Skipped++
			continue
		}
		err := call(ctx, a.breaker, "auth.lookup", func(ctx context.Context) error {
			_, err := a.client.GetUserByEmail(ctx, email)
			return err
		})
		if err == nil {
			res.Skipped++
			continue
		}
		if !polybase.IsNotFound(err) {
			return res, err
		}

		id := u.ID
		if id == "" {
			id = polybase.NewID()
		}
		imp := (&auth.UserToImport{}).UID(id).Email(email)
		if u.Name != "" {
			imp = imp.DisplayName(u.Name)
		}
		if u.HashAlgorithm == polybase.HashBcrypt && u.PasswordHash != "" {
			imp = imp.PasswordHash([]byte(u.PasswordHash))
			withHash = true
		} else {
			res.Notes = append(res.Notes, fmt.Sprintf("%s imported without a password; a reset is required", email))
		}
		batch = append(batch, imp)
		emails = append(emails, email)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	a.logger.Info("Users imported", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

var (
	_ polybase.AuthProvider = (*Auth)(nil)
	_ polybase.Component    = (*Auth)(nil)
)
