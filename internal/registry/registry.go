// Package registry declares every provider object kind the engine mirrors
// and how to list, page, and relate it. The upserter, list fetcher, and run
// registry all consume this one structure; nothing else hardcodes kinds.
package registry

import (
	"fmt"
	"sort"
)

// Ref names a field inside a raw document that holds the id of another
// kind. The upserter follows refs (depth 1) when related-entity backfill
// is enabled.
type Ref struct {
	Field string
	Kind  string
}

// Kind describes one provider object kind.
type Kind struct {
	// Name is the canonical kind name and the `object` discriminator
	// value carried by raw documents.
	Name string

	// Table is the destination table inside the sync schema.
	Table string

	// EventPrefix is the provider event-type prefix for this kind
	// ("customer", "charge.dispute", ...). Empty when the kind has no
	// events of its own.
	EventPrefix string

	// ListPath is the list endpoint, relative to the API base.
	ListPath string

	// RetrievePath formats the retrieve endpoint for one id. Empty when
	// the kind cannot be retrieved without a parent context.
	RetrievePath string

	// SupportsCreatedFilter must be true for every kind that is routinely
	// backfilled: a kind without it would re-fetch the same first page of
	// a growing list forever.
	SupportsCreatedFilter bool

	// RequiresContext names the parent parameter ("customer",
	// "subscription", ...) a list call cannot omit. Such kinds are
	// excluded from routine backfill and reached through refs instead.
	RequiresContext string

	// PageSize is the list page size. Zero means DefaultPageSize.
	PageSize int

	// Priority orders backfill claims; parents sort before children so
	// generated-column foreign keys usually resolve on first write.
	Priority int

	// Refs are id-bearing fields pointing at other kinds.
	Refs []Ref

	// ExpandPaths are top-level fields holding embedded lists that the
	// provider truncates; list expansion completes them before storage.
	ExpandPaths []string
}

// DefaultPageSize is used when a Kind does not set its own.
const DefaultPageSize = 100

// Revalidatable reports whether the authoritative document can be fetched
// back from the provider for this kind.
func (k Kind) Revalidatable() bool { return k.RetrievePath != "" }

// EffectivePageSize resolves the page size for list calls.
func (k Kind) EffectivePageSize() int {
	if k.PageSize > 0 {
		return k.PageSize
	}
	return DefaultPageSize
}

var kinds = []Kind{
	{
		Name: "customer", Table: "customers", EventPrefix: "customer",
		ListPath: "/v1/customers", RetrievePath: "/v1/customers/%s",
		SupportsCreatedFilter: true, Priority: 1,
		ExpandPaths: []string{"subscriptions"},
	},
	{
		Name: "product", Table: "products", EventPrefix: "product",
		ListPath: "/v1/products", RetrievePath: "/v1/products/%s",
		SupportsCreatedFilter: true, Priority: 2,
	},
	{
		Name: "plan", Table: "plans", EventPrefix: "plan",
		ListPath: "/v1/plans", RetrievePath: "/v1/plans/%s",
		SupportsCreatedFilter: true, Priority: 3,
		Refs: []Ref{{Field: "product", Kind: "product"}},
	},
	{
		Name: "price", Table: "prices", EventPrefix: "price",
		ListPath: "/v1/prices", RetrievePath: "/v1/prices/%s",
		SupportsCreatedFilter: true, Priority: 4,
		Refs: []Ref{{Field: "product", Kind: "product"}},
	},
	{
		Name: "coupon", Table: "coupons", EventPrefix: "coupon",
		ListPath: "/v1/coupons", RetrievePath: "/v1/coupons/%s",
		SupportsCreatedFilter: true, Priority: 5,
	},
	{
		Name: "promotion_code", Table: "promotion_codes", EventPrefix: "promotion_code",
		ListPath: "/v1/promotion_codes", RetrievePath: "/v1/promotion_codes/%s",
		SupportsCreatedFilter: true, Priority: 6,
	},
	{
		Name: "subscription", Table: "subscriptions", EventPrefix: "customer.subscription",
		ListPath: "/v1/subscriptions", RetrievePath: "/v1/subscriptions/%s",
		SupportsCreatedFilter: true, Priority: 7,
		Refs:        []Ref{{Field: "customer", Kind: "customer"}},
		ExpandPaths: []string{"items"},
	},
	{
		Name: "subscription_schedule", Table: "subscription_schedules", EventPrefix: "subscription_schedule",
		ListPath: "/v1/subscription_schedules", RetrievePath: "/v1/subscription_schedules/%s",
		SupportsCreatedFilter: true, Priority: 8,
		Refs: []Ref{
			{Field: "customer", Kind: "customer"},
			{Field: "subscription", Kind: "subscription"},
		},
	},
	{
		Name: "invoice", Table: "invoices", EventPrefix: "invoice",
		ListPath: "/v1/invoices", RetrievePath: "/v1/invoices/%s",
		SupportsCreatedFilter: true, Priority: 9,
		Refs: []Ref{
			{Field: "customer", Kind: "customer"},
			{Field: "subscription", Kind: "subscription"},
		},
		ExpandPaths: []string{"lines"},
	},
	{
		Name: "charge", Table: "charges", EventPrefix: "charge",
		ListPath: "/v1/charges", RetrievePath: "/v1/charges/%s",
		SupportsCreatedFilter: true, Priority: 10,
		Refs: []Ref{
			{Field: "customer", Kind: "customer"},
			{Field: "invoice", Kind: "invoice"},
		},
		ExpandPaths: []string{"refunds"},
	},
	{
		Name: "payment_intent", Table: "payment_intents", EventPrefix: "payment_intent",
		ListPath: "/v1/payment_intents", RetrievePath: "/v1/payment_intents/%s",
		SupportsCreatedFilter: true, Priority: 11,
		Refs: []Ref{{Field: "customer", Kind: "customer"}},
	},
	{
		Name: "setup_intent", Table: "setup_intents", EventPrefix: "setup_intent",
		ListPath: "/v1/setup_intents", RetrievePath: "/v1/setup_intents/%s",
		SupportsCreatedFilter: true, Priority: 12,
		Refs: []Ref{{Field: "customer", Kind: "customer"}},
	},
	{
		Name: "refund", Table: "refunds", EventPrefix: "refund",
		ListPath: "/v1/refunds", RetrievePath: "/v1/refunds/%s",
		SupportsCreatedFilter: true, Priority: 13,
		Refs: []Ref{
			{Field: "charge", Kind: "charge"},
			{Field: "payment_intent", Kind: "payment_intent"},
		},
	},
	{
		Name: "dispute", Table: "disputes", EventPrefix: "charge.dispute",
		ListPath: "/v1/disputes", RetrievePath: "/v1/disputes/%s",
		SupportsCreatedFilter: true, Priority: 14,
		Refs: []Ref{
			{Field: "charge", Kind: "charge"},
			{Field: "payment_intent", Kind: "payment_intent"},
		},
	},

	// Context-bound kinds: list endpoints require a parent parameter, so
	// they are never routinely backfilled and pagination is cursor-only.
	{
		Name: "payment_method", Table: "payment_methods", EventPrefix: "payment_method",
		ListPath: "/v1/payment_methods", RetrievePath: "/v1/payment_methods/%s",
		RequiresContext: "customer", Priority: 90,
		Refs: []Ref{{Field: "customer", Kind: "customer"}},
	},
	{
		Name: "subscription_item", Table: "subscription_items",
		ListPath: "/v1/subscription_items", RetrievePath: "/v1/subscription_items/%s",
		RequiresContext: "subscription", Priority: 91,
		Refs: []Ref{{Field: "subscription", Kind: "subscription"}},
	},
	{
		Name: "credit_note", Table: "credit_notes", EventPrefix: "credit_note",
		ListPath: "/v1/credit_notes", RetrievePath: "/v1/credit_notes/%s",
		RequiresContext: "customer", Priority: 92,
		Refs: []Ref{
			{Field: "customer", Kind: "customer"},
			{Field: "invoice", Kind: "invoice"},
		},
	},
	{
		Name: "tax_id", Table: "tax_ids", EventPrefix: "customer.tax_id",
		ListPath:        "/v1/tax_ids",
		RequiresContext: "customer", Priority: 93,
		Refs: []Ref{{Field: "customer", Kind: "customer"}},
	},
}

var (
	byName = map[string]Kind{}
	tables []string
)

func init() {
	for _, k := range kinds {
		if _, dup := byName[k.Name]; dup {
			panic(fmt.Sprintf("registry: duplicate kind %q", k.Name))
		}
		byName[k.Name] = k
		tables = append(tables, k.Table)
	}
}

// All returns every declared kind in priority order.
func All() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ByName looks a kind up by its canonical name / object discriminator.
func ByName(name string) (Kind, bool) {
	k, ok := byName[name]
	return k, ok
}

// Tables returns every entity table name, in declaration order.
func Tables() []string {
	out := make([]string, len(tables))
	copy(out, tables)
	return out
}

// BackfillOrder returns the kind names eligible for routine backfill,
// parents first.
func BackfillOrder() []string {
	var out []string
	for _, k := range All() {
		if k.RequiresContext == "" {
			out = append(out, k.Name)
		}
	}
	return out
}

// EnabledEvents derives the webhook event subscription set from the kinds
// that emit events.
func EnabledEvents() []string {
	var out []string
	for _, k := range All() {
		if k.EventPrefix != "" {
			out = append(out, k.EventPrefix+".*")
		}
	}
	return out
}
