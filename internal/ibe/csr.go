package ibe

import (
	"math"
	"time"
)

// CSR asks the authority to issue an identity description. Password holds
// the requester's session key encrypted to the System owner identity.
type CSR struct {
	IdentityString  string    `json:"identityString"`
	SystemID        int64     `json:"systemId"`
	ApplicationDate time.Time `json:"applicationDate"`
	// ValidityPeriod is in milliseconds
	ValidityPeriod int64  `json:"validityPeriod"`
	Password       []byte `json:"password"`
}

// MaxValidityPeriod is the longest ValidityPeriod a time.Duration can hold
const MaxValidityPeriod = math.MaxInt64 / int64(time.Millisecond)

// Validity returns the requested validity as a duration, saturating at
// MaxValidityPeriod
func (c *CSR) Validity() time.Duration {
	if c.ValidityPeriod > MaxValidityPeriod {
		return time.Duration(MaxValidityPeriod) * time.Millisecond
	}
	return time.Duration(c.ValidityPeriod) * time.Millisecond
}
