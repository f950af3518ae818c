package model

import "time"

// Slot is the ownership record for one subdomain name.
type Slot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	AppID    string    `json:"app_id,omitempty"`
	OwnerID  string    `json:"owner_id,omitempty"`
	BuildID  string    `json:"build_id,omitempty"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Availability is the answer to a subdomain availability check.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Reasons a subdomain is unavailable.
const (
	ReasonInvalid     = "invalid"
	ReasonReserved    = "reserved_word"
	ReasonTaken       = "taken"
	ReasonCoolingDown = "cooling_down"
)
