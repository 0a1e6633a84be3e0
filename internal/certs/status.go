package certs

import (
	"math"
	"time"

	"github.com/web-casa/proxyfleet/internal/model"
)

// ExpiringWindow is how close to expiry a certificate is reported as expiring
const ExpiringWindow = 30 * 24 * time.Hour

// ComputeStatus derives a certificate status from its expiry and now
func ComputeStatus(validTo, now time.Time) string {
	switch {
	case validTo.Before(now):
		return model.CertStatusExpired
	case validTo.Before(now.Add(ExpiringWindow)):
		return model.CertStatusExpiring
	default:
		return model.CertStatusValid
	}
}

// DaysUntilExpiry rounds up, so a certificate with 29.5 days left reports 30
func DaysUntilExpiry(validTo, now time.Time) int {
	return int(math.Ceil(validTo.Sub(now).Hours() / 24))
}
