package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/adrianmcphee/polybase"
)

// Auth implements polybase.AuthProvider on a Cognito user pool. The app client
// must allow the USER_PASSWORD_AUTH flow. Session tokens are Cognito access tokens.
type Auth struct {
	client   *cip.Client
	poolID   string
	clientID string
	breaker  *polybase.CircuitBreaker
	logger   polybase.Logger
}

func newAuth(client *cip.Client, poolID, clientID string, cb *polybase.CircuitBreaker, logger polybase.Logger) *Auth {
	return &Auth{client: client, poolID: poolID, clientID: clientID, breaker: cb, logger: logger}
}

func (a *Auth) Name() string                    { return "auth" }
func (a *Auth) Start(ctx context.Context) error { return nil }
func (a *Auth) Stop(ctx context.Context) error  { return nil }

func (a *Auth) Health(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	return call(ctx, a.breaker, "cognito.health", nil, func(ctx context.Context) error {
		_, err := a.client.DescribeUserPool(ctx, &cip.DescribeUserPoolInput{UserPoolId: aws.String(a.poolID)})
		return err
	})
}

func (a *Auth) ready() error {
	if a.poolID == "" || a.clientID == "" {
		return polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  polybase.OptUserPoolID + "/" + polybase.OptClientID,
			"reason": "cognito auth needs a user pool and an app client",
		})
	}
	return nil
}

func attr(name, value string) types.AttributeType {
	return types.AttributeType{Name: aws.String(name), Value: aws.String(value)}
}

func userFromAttributes(username string, attrs []types.AttributeType, created *time.Time) polybase.User {
	u := polybase.User{ID: username}
	for _, at := range attrs {
		switch aws.ToString(at.Name) {
		case "sub":
			u.ID = aws.ToString(at.Value)
		case "email":
			u.Email = aws.ToString(at.Value)
		case "name":
			u.Name = aws.ToString(at.Value)
		}
	}
	if created != nil {
		u.CreatedAt = created.UTC()
	}
	return u
}

func (a *Auth) SignUp(ctx context.Context, email, password, name string) (polybase.Session, error) {
	if err := a.ready(); err != nil {
		return polybase.Session{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	attrs := []types.AttributeType{attr("email", email)}
	if name != "" {
		attrs = append(attrs, attr("name", name))
	}
	err := call(ctx, a.breaker, "cognito.signup", nil, func(ctx context.Context) error {
		if _, err := a.client.SignUp(ctx, &cip.SignUpInput{
			ClientId:       aws.String(a.clientID),
			Username:       aws.String(email),
			Password:       aws.String(password),
			UserAttributes: attrs,
		}); err != nil {
			return err
		}
		_, err := a.client.AdminConfirmSignUp(ctx, &cip.AdminConfirmSignUpInput{
			UserPoolId: aws.String(a.poolID),
			Username:   aws.String(email),
		})
		return err
	})
	if err != nil {
		return polybase.Session{}, err
	}
	return a.SignIn(ctx, email, password)
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (polybase.Session, error) {
	if err := a.ready(); err != nil {
		return polybase.Session{}, err
	}
	var out *cip.InitiateAuthOutput
	err := call(ctx, a.breaker, "cognito.signin", nil, func(ctx context.Context) error {
		var err error
		out, err = a.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
			AuthFlow: types.AuthFlowTypeUserPasswordAuth,
			ClientId: aws.String(a.clientID),
			AuthParameters: map[string]string{
				"USERNAME": strings.ToLower(strings.TrimSpace(email)),
				"PASSWORD": password,
			},
		})
		return err
	})
	if polybase.IsNotFound(err) {
		return polybase.Session{}, fmt.Errorf("%w: %w", polybase.ErrAuthentication, err)
	}
	if err != nil {
		return polybase.Session{}, err
	}
	if out.AuthenticationResult == nil {
		return polybase.Session{}, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"challenge": string(out.ChallengeName),
		})
	}
	token := aws.ToString(out.AuthenticationResult.AccessToken)
	user, err := a.VerifyToken(ctx, token)
	if err != nil {
		return polybase.Session{}, err
	}
	ttl := time.Duration(out.AuthenticationResult.ExpiresIn) * time.Second
	return polybase.Session{User: user, Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (a *Auth) VerifyToken(ctx context.Context, token string) (polybase.User, error) {
	var out *cip.GetUserOutput
	err := call(ctx, a.breaker, "cognito.verify", nil, func(ctx context.Context) error {
		var err error
		out, err = a.client.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(token)})
		return err
	})
	if errors.Is(err, polybase.ErrAuthentication) || errors.Is(err, polybase.ErrInvalidData) {
		return polybase.User{}, fmt.Errorf("%w: %w", polybase.ErrInvalidToken, err)
	}
	if err != nil {
		return polybase.User{}, err
	}
	return userFromAttributes(aws.ToString(out.Username), out.UserAttributes, nil), nil
}

// SignOut invalidates every token of the user.
func (a *Auth) SignOut(ctx context.Context, token string) error {
	err := call(ctx, a.breaker, "cognito.signout", nil, func(ctx context.Context) error {
		_, err := a.client.GlobalSignOut(ctx, &cip.GlobalSignOutInput{AccessToken: aws.String(token)})
		return err
	})
	if errors.Is(err, polybase.ErrAuthentication) {
		return fmt.Errorf("%w: %w", polybase.ErrInvalidToken, err)
	}
	return err
}

func (a *Auth) GetUser(ctx context.Context, id string) (polybase.User, error) {
	if err := a.ready(); err != nil {
		return polybase.User{}, err
	}
	var out *cip.ListUsersOutput
	err := call(ctx, a.breaker, "cognito.get", nil, func(ctx context.Context) error {
		var err error
		out, err = a.client.ListUsers(ctx, &cip.ListUsersInput{
			UserPoolId: aws.String(a.poolID),
			Filter:     aws.String(fmt.Sprintf("sub = %q", id)),
			Limit:      aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return polybase.User{}, err
	}
	if len(out.Users) == 0 {
		return polybase.User{}, polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{"user": id})
	}
	u := out.Users[0]
	return userFromAttributes(aws.ToString(u.Username), u.Attributes, u.UserCreateDate), nil
}

// ListUsers exports users without password hashes: Cognito never reveals them.
func (a *Auth) ListUsers(ctx context.Context) ([]polybase.UserRecord, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var out []polybase.UserRecord
	err := call(ctx, a.breaker, "cognito.list", nil, func(ctx context.Context) error {
		out = out[:0]
		pages := cip.NewListUsersPaginator(a.client, &cip.ListUsersInput{UserPoolId: aws.String(a.poolID)})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, u := range page.Users {
				out = append(out, polybase.UserRecord{
					User:          userFromAttributes(aws.ToString(u.Username), u.Attributes, u.UserCreateDate),
					HashAlgorithm: polybase.HashNone,
				})
			}
		}
		return nil
	})
	return out, err
}

// ImportUsers creates users with AdminCreateUser. Cognito accepts no password
// hashes and assigns its own ids, so every user needs a password reset.
func (a *Auth) ImportUsers(ctx context.Context, users []polybase.UserRecord) (polybase.ImportResult, error) {
	var res polybase.ImportResult
	if err := a.ready(); err != nil {
		return res, err
	}
	for _, u := range users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			res.Skipped++
			continue
		}
		attrs := []types.AttributeType{attr("email", email), attr("email_verified", "true")}
		if u.Name != "" {
			attrs = append(attrs, attr("name", u.Name))
		}
		err := call(ctx, a.breaker, "cognito.import", nil, func(ctx context.Context) error {
			_, err := a.client.AdminCreateUser(ctx, &cip.AdminCreateUserInput{
				UserPoolId:     aws.String(a.poolID),
				Username:       aws.String(email),
				UserAttributes: attrs,
				MessageAction:  types.MessageActionTypeSuppress,
			})
			return err
		})
		if errors.Is(err, polybase.ErrAlreadyExists) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Imported++
		res.Notes = append(res.Notes, fmt.Sprintf("%s imported without a password; a reset is required", email))
	}
	if res.Imported > 0 {
		res.Notes = append(res.Notes, "cognito assigned new user ids; references to old ids must be remapped")
	}
	a.logger.Info("Users imported", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

var (
	_ polybase.AuthProvider = (*Auth)(nil)
	_ polybase.Component    = (*Auth)(nil)
)
