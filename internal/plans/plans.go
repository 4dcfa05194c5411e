package plans

// Plan is a subscription tier identifier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPlus       Plan = "plus"
	PlanPro        Plan = "pro"
	PlanUltra      Plan = "ultra"
	PlanStudent    Plan = "student"
	PlanStudentPro Plan = "student_pro"
)

// Unlimited is the MessageLimit sentinel for plans without a daily cap.
const Unlimited = -1

// Limits is the static entitlement bundle for one plan: the daily message
// cap, the backend model the plan is served by, and whether the plan may
// attach images to a turn.
type Limits struct {
	MessageLimit int    `json:"message_limit"`
	Model        string `json:"model"`
	CanAttach    bool   `json:"can_attach"`
}

// Catalog resolves a plan identifier to its Limits. The set of plans is
// closed; unknown identifiers resolve to the free tier.
type Catalog struct {
	limits       map[Plan]Limits
	premiumModel string
}

// NewCatalog builds the plan catalog. standardModel and premiumModel are the
// backend model identifiers for the two service tiers.
func NewCatalog(standardModel, premiumModel string) *Catalog {
	return &Catalog{
		premiumModel: premiumModel,
		limits: map[Plan]Limits{
			PlanFree:       {MessageLimit: 15, Model: standardModel, CanAttach: false},
			PlanPlus:       {MessageLimit: 100, Model: standardModel, CanAttach: true},
			PlanPro:        {MessageLimit: 50, Model: premiumModel, CanAttach: true},
			PlanUltra:      {MessageLimit: Unlimited, Model: premiumModel, CanAttach: true},
			PlanStudent:    {MessageLimit: 15, Model: standardModel, CanAttach: false},
			PlanStudentPro: {MessageLimit: Unlimited, Model: premiumModel, CanAttach: true},
		},
	}
}

// Limits returns the entitlements for the given plan, falling back to the
// free tier for unknown identifiers.
func (c *Catalog) Limits(p Plan) Limits {
	if l, ok := c.limits[p]; ok {
		return l
	}
	return c.limits[PlanFree]
}

// Known reports whether p is a plan the catalog recognizes.
func (c *Catalog) Known(p Plan) bool {
	_, ok := c.limits[p]
	return ok
}

// Premium reports whether model is the premium-tier backend model.
func (c *Catalog) Premium(model string) bool {
	return model == c.premiumModel
}
