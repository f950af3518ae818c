package model

// Application status constants.
const (
	StatusCreated              = "created"
	StatusValidating           = "validating"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusReservingName        = "reserving_name"
	StatusQuotaCheck           = "quota_check"
	StatusAwaitingSecret       = "awaiting_secret"
	StatusBuilding             = "building"
	StatusActive               = "active"
	StatusFailed               = "failed"
)

// Subdomain slot states.
const (
	SlotFree        = "free"
	SlotReserved    = "reserved"
	SlotActive      = "active"
	SlotCoolingDown = "cooling_down"
)

// Build outcomes reported by the build system.
const (
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
)

// Tiers.
const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPro       = "pro"
)

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	return status == StatusFailed
}

// HoldsQuota reports whether an application in status counts against its owner's quota.
func HoldsQuota(status string) bool {
	switch status {
	case StatusAwaitingSecret, StatusBuilding, StatusActive:
		return true
	}
	return false
}
