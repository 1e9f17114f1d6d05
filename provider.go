package polybase

import (
	"context"
	"encoding/json"
	"time"
)

// ProviderType selects a backend implementation.
type ProviderType string

const (
	ProviderLocal    ProviderType = "local"
	ProviderFirebase ProviderType = "firebase"
	ProviderAWS      ProviderType = "aws"
)

// KnownProviders lists provider types in their fixed declaration order.
// Advisor tie-breaks and CLI listings follow this order.
var KnownProviders = []ProviderType{ProviderLocal, ProviderFirebase, ProviderAWS}

// ParseProviderType validates a provider type name.
func ParseProviderType(s string) (ProviderType, error) {
	for _, t := range KnownProviders {
		if string(t) == s {
			return t, nil
		}
	}
	return "", WithContext(ErrUnknownProvider, map[string]interface{}{
		"type": s,
	})
}

// Provider is the uniform contract every backend satisfies.
//
// Notifications and Deployment return nil when the backend has no such capability.
// Sub-providers are owned by the Provider and must not be used after Shutdown.
type Provider interface {
	Type() ProviderType
	Initialize(ctx context.Context, cfg ProviderConfig) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthReport

	Auth() AuthProvider
	Database() DatabaseProvider
	Storage() StorageProvider
	Realtime() RealtimeProvider
	Functions() FunctionsProvider
	Notifications() NotificationsProvider
	Deployment() DeploymentProvider
}

// Component is the lifecycle facet shared by every sub-provider.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// User is an authenticated identity.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is returned by sign-up and sign-in.
type Session struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Password hash algorithms understood by UserRecord.
const (
	HashBcrypt = "bcrypt"
	HashNone   = ""
)

// UserRecord is the exportable form of a user used by migrations.
// PasswordHash is empty when the backend does not expose hashes.
type UserRecord struct {
	User
	PasswordHash  string `json:"passwordHash,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`
}

// ImportResult summarizes a bulk user import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Notes    []string `json:"notes,omitempty"`
}

// AuthProvider manages identities and sessions.
type AuthProvider interface {
	SignUp(ctx context.Context, email, password, name string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	VerifyToken(ctx context.Context, token string) (User, error)
	SignOut(ctx context.Context, token string) error
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]UserRecord, error)
	ImportUsers(ctx context.Context, users []UserRecord) (ImportResult, error)
}

// Fields is the schemaless content of a document.
type Fields map[string]interface{}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Document is a stored record in a collection.
type Document struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Fields     Fields    `json:"fields"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Operator is a query comparison operator.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Filter is one conjunct of a query.
type Filter struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Where builds a Filter.
func Where(field string, op Operator, value interface{}) Filter {
	return Filter{Field: field, Operator: op, Value: value}
}

// ListOptions bounds a List call. A zero Limit returns everything after Cursor.
type ListOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ListResult is one page of a collection.
// Count is the total number of documents in the collection.
type ListResult struct {
	Documents  []Document `json:"documents"`
	Count      int        `json:"count"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Tx buffers writes inside DatabaseProvider.Transaction.
// Create returns the id the document will have once the transaction commits.
type Tx interface {
	Create(collection string, fields Fields) (string, error)
	Update(collection, id string, fields Fields) error
	Delete(collection, id string) error
}

// DatabaseProvider stores schemaless documents in implicit collections.
type DatabaseProvider interface {
	Create(ctx context.Context, collection string, fields Fields) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Fields) (Document, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	List(ctx context.Context, collection string, opts ListOptions) (ListResult, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// Upsert writes doc with its id and timestamps preserved.
	Upsert(ctx context.Context, doc Document) error
	Collections(ctx context.Context) ([]string, error)
}

// BlobMetadata is optional upload metadata.
type BlobMetadata struct {
	ContentType string            `json:"contentType,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// StorageProvider stores blobs at virtual hierarchical paths.
type StorageProvider interface {
	Upload(ctx context.Context, path string, data []byte, meta *BlobMetadata) (BlobInfo, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Stat(ctx context.Context, path string) (BlobInfo, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Message is a realtime payload.
type Message struct {
	Channel     string          `json:"channel"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Subscription delivers messages until Close is called or its context ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// RealtimeProvider is a publish/subscribe channel fabric.
type RealtimeProvider interface {
	Publish(ctx context.Context, channel string, data interface{}) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Channels(ctx context.Context) ([]string, error)
}

// Function runtimes.
const (
	RuntimeGo     = "go"
	RuntimeShell  = "sh"
	RuntimePython = "python3"
	RuntimeNode   = "node"
)

// DefaultFunctionTimeout applies when FunctionSpec.Timeout is zero.
const DefaultFunctionTimeout = 30 * time.Second

// FunctionSpec describes a deployable function.
type FunctionSpec struct {
	Name        string            `json:"name"`
	Handler     string            `json:"handler"`
	Runtime     string            `json:"runtime"`
	Timeout     time.Duration     `json:"timeout"`
	Environment map[string]string `json:"environment,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// EffectiveTimeout returns Timeout or the default.
func (s FunctionSpec) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultFunctionTimeout
	}
	return s.Timeout
}

// Validate checks the spec before deployment.
func (s FunctionSpec) Validate() error {
	if s.Name == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Name",
			"reason": "function name is required",
		})
	}
	if s.Handler == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Handler",
			"value":  s.Name,
			"reason": "handler is required",
		})
	}
	if s.Timeout < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Timeout",
			"value":  s.Timeout,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// FunctionError describes an execution failure inside a function.
type FunctionError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// FunctionResult separates a response from an execution failure.
type FunctionResult struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      *FunctionError  `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Succeeded reports whether the function ran without an execution failure.
func (r FunctionResult) Succeeded() bool {
	return r.Error == nil
}

// FunctionsProvider deploys and invokes serverless functions.
type FunctionsProvider interface {
	Deploy(ctx context.Context, spec FunctionSpec, code []byte) (FunctionSpec, error)
	Invoke(ctx context.Context, name string, event map[string]interface{}) (FunctionResult, error)
	List(ctx context.Context) ([]FunctionSpec, error)
	Export(ctx context.Context, name string) (FunctionSpec, []byte, error)
	Remove(ctx context.Context, name string) error
}

// Notification is a push message to a device, user or topic.
// Exactly one of Target and Topic is set.
type Notification struct {
	Target string            `json:"target,omitempty"`
	Topic  string            `json:"topic,omitempty"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Validate checks addressing.
func (n Notification) Validate() error {
	if (n.Target == "") == (n.Topic == "") {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"field":  "Target/Topic",
			"reason": "exactly one of target or topic is required",
		})
	}
	return nil
}

// NotificationsProvider delivers push notifications.
type NotificationsProvider interface {
	Send(ctx context.Context, n Notification) (string, error)
	SubscribeToTopic(ctx context.Context, topic string, targets ...string) error
}

// DeploymentSpec is a static bundle to publish.
type DeploymentSpec struct {
	Name  string            `json:"name"`
	Files map[string][]byte `json:"-"`
}

// Deployment records one published version.
type Deployment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	URL       string    `json:"url"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeploymentProvider publishes static bundles.
type DeploymentProvider interface {
	Deploy(ctx context.Context, spec DeploymentSpec) (Deployment, error)
	List(ctx context.Context) ([]Deployment, error)
	Files(ctx context.Context, id string) (map[string][]byte, error)
}
