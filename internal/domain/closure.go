package domain

// ClosureRow materializes one ancestor/descendant pair of the referral forest.
// Depth is the number of referrer edges between the two and never exceeds the cap.
type ClosureRow struct {
	AncestorRef   string
	DescendantRef string
	Depth         int
}

// Membership describes a viewer's position relative to a target.
type Membership struct {
	InHierarchy     bool `json:"inHierarchy"`
	Depth           int  `json:"depth"`
	MaxVisibleDepth int  `json:"maxVisibleDepth"`
}

// ReferralScope selects which levels below a target a listing returns.
type ReferralScope string

const (
	ScopeDirect   ReferralScope = "direct"
	ScopeIndirect ReferralScope = "indirect"
	ScopeAll      ReferralScope = "all"
)

// ParseReferralScope defaults an empty value to ScopeAll.
func ParseReferralScope(raw string) (ReferralScope, bool) {
	switch ReferralScope(raw) {
	case "", ScopeAll:
		return ScopeAll, true
	case ScopeDirect:
		return ScopeDirect, true
	case ScopeIndirect:
		return ScopeIndirect, true
	}
	return "", false
}

// Depths returns the closure depths, relative to the target, covered by the scope.
func (s ReferralScope) Depths() []int {
	switch s {
	case ScopeDirect:
		return []int{1}
	case ScopeIndirect:
		return []int{2}
	default:
		return []int{1, 2}
	}
}
