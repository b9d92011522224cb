package models

import (
	"regexp"
	"strings"
	"time"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// FeatureRequest is a natural-language feature request submitted by a tenant.
// It is immutable once submitted.
type FeatureRequest struct {
	TenantID    string    `json:"tenant_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewFeatureRequest creates a request stamped with the current UTC time.
func NewFeatureRequest(tenantID, description string) FeatureRequest {
	return FeatureRequest{
		TenantID:    strings.TrimSpace(tenantID),
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the request carries a usable tenant id and description.
// Returns a *ConfigurationError so callers can fail the run without retrying.
func (r FeatureRequest) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return NewConfigurationError("description", "feature request description is required")
	}
	if !ValidTenantID(r.TenantID) {
		return NewConfigurationError("tenant_id", "invalid tenant id "+quote(r.TenantID))
	}
	return nil
}

// ValidTenantID reports whether id is a well-formed tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

func quote(s string) string {
	return `"` + s + `"`
}
