package domain

// Plan is one entry in the static plan catalog.
type Plan struct {
	ID          PlanID
	Name        string
	BasePrice   int
	Description string
}

// Catalog is an ordered, read-only list of plans.
type Catalog struct {
	plans []Plan
}

// NewCatalog copies plans into a catalog, preserving order.
func NewCatalog(plans []Plan) Catalog {
	return Catalog{plans: append([]Plan(nil), plans...)}
}

// DefaultCatalog is the demo catalog offered when no plans are configured.
func DefaultCatalog() Catalog {
	return NewCatalog([]Plan{
		{ID: "starter", Name: "Starter", BasePrice: 199, Description: "Initial eval + care plan"},
		{ID: "plus", Name: "Plus", BasePrice: 299, Description: "Eval + clinician messaging + monthly check-ins"},
		{ID: "complete", Name: "Complete", BasePrice: 399, Description: "All of the above + priority support"},
	})
}

// Plans returns a copy of the catalog entries in order.
func (c Catalog) Plans() []Plan {
	return append([]Plan(nil), c.plans...)
}

// Lookup finds a plan by id.
func (c Catalog) Lookup(id PlanID) (Plan, bool) {
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

func (c Catalog) Len() int { return len(c.plans) }
