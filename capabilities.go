package polybase

import "strings"

// ResourceKind names one migratable facet of a provider.
type ResourceKind string

const (
	KindAuth          ResourceKind = "auth"
	KindDatabase      ResourceKind = "database"
	KindStorage       ResourceKind = "storage"
	KindRealtime      ResourceKind = "realtime"
	KindNotifications ResourceKind = "notifications"
	KindFunctions     ResourceKind = "functions"
	KindDeployment    ResourceKind = "deployment"
)

// KindOrder is the fixed migration order.
var KindOrder = []ResourceKind{
	KindAuth,
	KindDatabase,
	KindStorage,
	KindRealtime,
	KindNotifications,
	KindFunctions,
	KindDeployment,
}

// TransactionGuarantee describes what Transaction promises on a provider.
type TransactionGuarantee string

const (
	TxStrong     TransactionGuarantee = "strong"
	TxBestEffort TransactionGuarantee = "best-effort"
)

// Feature names understood by the advisor besides resource kinds.
const (
	FeatureStrongTransactions = "strong-transactions"
	FeatureOffline            = "offline"
	FeatureSelfHosted         = "self-hosted"
	FeatureManagedScaling     = "managed-scaling"
)

// Capabilities is the static descriptor of a provider type.
type Capabilities struct {
	Type         ProviderType         `json:"type"`
	Kinds        []ResourceKind       `json:"kinds"`
	Operators    []Operator           `json:"operators"`
	Transactions TransactionGuarantee `json:"transactions"`
	// MaxTxOps is the largest batch applied atomically; 0 means unbounded.
	MaxTxOps int `json:"maxTxOps"`
	// ReservedPrefixes are field-name prefixes the backend rejects or treats specially.
	ReservedPrefixes []string `json:"reservedPrefixes,omitempty"`
	// ReservedNames are field names the backend uses for its own keys.
	ReservedNames []string `json:"reservedNames,omitempty"`
	Features         []string `json:"features"`
}

var allOperators = []Operator{OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual}

var capabilityTable = map[ProviderType]Capabilities{
	ProviderLocal: {
		Type:         ProviderLocal,
		Kinds:        []ResourceKind{KindAuth, KindDatabase, KindStorage, KindRealtime, KindNotifications, KindFunctions, KindDeployment},
		Operators:    allOperators,
		Transactions: TxStrong,
		Features:     []string{FeatureStrongTransactions, FeatureOffline, FeatureSelfHosted},
	},
	ProviderFirebase: {
		Type:             ProviderFirebase,
		Kinds:            []ResourceKind{KindAuth, KindDatabase, KindStorage, KindRealtime, KindNotifications, KindFunctions},
		Operators:        allOperators,
		Transactions:     TxBestEffort,
		MaxTxOps:         500,
		ReservedPrefixes: []string{"__"},
		Features:         []string{FeatureOffline, FeatureManagedScaling},
	},
	ProviderAWS: {
		Type:          ProviderAWS,
		Kinds:         []ResourceKind{KindAuth, KindDatabase, KindStorage, KindRealtime, KindNotifications, KindFunctions, KindDeployment},
		Operators:     allOperators,
		Transactions:  TxBestEffort,
		MaxTxOps:      100,
		ReservedNames: []string{"pk", "sk"},
		Features:      []string{FeatureManagedScaling},
	},
}

// CapabilitiesOf returns the descriptor for t.
func CapabilitiesOf(t ProviderType) (Capabilities, error) {
	c, ok := capabilityTable[t]
	if !ok {
		return Capabilities{}, WithContext(ErrUnknownProvider, map[string]interface{}{
			"type": t,
		})
	}
	return c, nil
}

// Has reports whether the provider supports kind.
func (c Capabilities) Has(kind ResourceKind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Supports reports whether the provider offers a resource kind or feature by name.
func (c Capabilities) Supports(feature string) bool {
	if c.Has(ResourceKind(feature)) {
		return true
	}
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// SharedKinds intersects two providers' kinds in KindOrder.
func SharedKinds(a, b Capabilities) []ResourceKind {
	var out []ResourceKind
	for _, k := range KindOrder {
		if a.Has(k) && b.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Reserved reports whether field collides with a backend-reserved name.
func (c Capabilities) Reserved(field string) bool {
	for _, n := range c.ReservedNames {
		if field == n {
			return true
		}
	}
	for _, p := range c.ReservedPrefixes {
		if strings.HasPrefix(field, p) {
			return true
		}
	}
	return false
}
