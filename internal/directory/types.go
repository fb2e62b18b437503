package directory

// SelectorKind tags the recipient selector variants.
type SelectorKind string

const (
	KindAllUsers    SelectorKind = "all"
	KindActiveSince SelectorKind = "active_since"
	KindByRegion    SelectorKind = "region"
)

// Selector picks the recipient set for a broadcast. It is a tagged
// variant; only the field matching Kind is meaningful.
type Selector struct {
	Kind   SelectorKind `json:"kind"`
	Days   int          `json:"days,omitempty"`
	Region string       `json:"region,omitempty"`
}

func AllUsers() Selector            { return Selector{Kind: KindAllUsers} }
func ActiveSince(days int) Selector { return Selector{Kind: KindActiveSince, Days: days} }
func ByRegion(name string) Selector { return Selector{Kind: KindByRegion, Region: name} }
