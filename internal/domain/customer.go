package domain

// Well-known customer attribute keys. Any additional scalar attribute may be
// present in Attributes; whether a rule may reference it is decided by the
// segmentation field schema, not here.
const (
	AttrAge          = "age"
	AttrTotalSpent   = "total_spent"
	AttrOrderCount   = "order_count"
	AttrLastPurchase = "last_purchase"
	AttrEmail        = "email"
	AttrName         = "name"
)

// Customer is a read-only attribute record owned by the customer store.
// Attribute values are whatever the source decoded: float64/int/int64 for
// numbers, string, bool, time.Time or RFC 3339 strings for timestamps, and
// []any / []string for lists.
type Customer struct {
	ID         string         `json:"id" db:"id"`
	Attributes map[string]any `json:"attributes" db:"attributes"`
}

// Attr returns the named attribute and whether it is present and non-nil.
func (c Customer) Attr(name string) (any, bool) {
	if c.Attributes == nil {
		return nil, false
	}
	v, ok := c.Attributes[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Email returns the customer's email attribute, or "" when absent.
func (c Customer) Email() string {
	v, ok := c.Attr(AttrEmail)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
