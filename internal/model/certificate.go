package model

import "time"

// Certificate status values. Status is derived from ValidTo and the current time;
// the stored column is only a cache.
const (
	CertStatusValid    = "valid"
	CertStatusExpiring = "expiring"
	CertStatusExpired  = "expired"
)

// Certificate sources
const (
	CertSourceACME   = "acme"
	CertSourceUpload = "upload"
)

// DistinguishedName is the subset of an X.509 name we keep
type DistinguishedName struct {
	CommonName   string `gorm:"size:255" json:"common_name"`
	Organization string `gorm:"size:255" json:"organization"`
	Country      string `gorm:"size:8" json:"country"`
}

// Certificate is the TLS material bound to a site
type Certificate struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	SiteID          uint              `gorm:"uniqueIndex;not null" json:"site_id"`
	CommonName      string            `gorm:"not null;size:255" json:"common_name"`
	SANs            []string          `gorm:"serializer:json" json:"sans"`
	Issuer          string            `gorm:"size:255" json:"issuer"`
	SubjectDetail   DistinguishedName `gorm:"embedded;embeddedPrefix:subject_" json:"subject_detail"`
	IssuerDetail    DistinguishedName `gorm:"embedded;embeddedPrefix:issuer_" json:"issuer_detail"`
	SerialNumber    string            `gorm:"size:128" json:"serial_number"`
	ValidFrom       time.Time         `json:"valid_from"`
	ValidTo         time.Time         `gorm:"index" json:"valid_to"`
	AutoRenew       bool              `json:"auto_renew"`
	Status          string            `gorm:"size:16" json:"status"`
	Source          string            `gorm:"size:16" json:"source"` // acme or upload
	Email           string            `gorm:"size:255" json:"email"`
	ChallengeMethod string            `gorm:"size:32" json:"challenge_method"`
	CertificatePEM  string            `gorm:"type:text" json:"certificate"`
	PrivateKeyPEM   string            `gorm:"type:text" json:"-"` // never exposed in JSON
	ChainPEM        string            `gorm:"type:text" json:"chain"`
	LastRenewedAt   *time.Time        `json:"last_renewed_at"`
	LastError       string            `gorm:"size:1024" json:"last_error"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CertificateIssueRequest is the request body for issuing a certificate through ACME
type CertificateIssueRequest struct {
	SANs            []string `json:"sans"`
	Email           string   `json:"email"`
	ChallengeMethod string   `json:"challenge_method"` // "http" or "standalone"
	AutoRenew       *bool    `json:"auto_renew"`
	EnableSSL       bool     `json:"enable_ssl"` // switch the site to HTTPS once issued
}

// CertificateUploadRequest is the request body for a manual certificate upload
type CertificateUploadRequest struct {
	Certificate string `json:"certificate" binding:"required"`
	PrivateKey  string `json:"private_key" binding:"required"`
	Chain       string `json:"chain"`
}
