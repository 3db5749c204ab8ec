package domain

// RunID identifies one traversal of the intake wizard.
// It is opaque to callers and immutable for the lifetime of the run.
type RunID string

// PlanID is a reference into the plan catalog.
type PlanID string
