package model

import "time"

// IssuanceStrategy names which certificate path produced the material.
type IssuanceStrategy string

const (
	StrategyPrimary  IssuanceStrategy = "primary"
	StrategyFallback IssuanceStrategy = "fallback"
)

// CertificateRecord describes the TLS material currently installed for a
// domain. The reverse proxy's start action consumes the files the record
// points at; the record itself lives in the journal.
type CertificateRecord struct {
	Domain      string           `json:"domain"`
	Strategy    IssuanceStrategy `json:"strategy"`
	NotAfter    time.Time        `json:"not_after"`
	Fingerprint string           `json:"fingerprint"`
	CertPath    string           `json:"cert_path"`
	KeyPath     string           `json:"key_path"`
	IssuedAt    time.Time        `json:"issued_at"`
}

// MigrationRecord is the result of one bootstrap pass. Applying the same
// migration list twice must produce the same SchemaDigest.
type MigrationRecord struct {
	Version      int       `json:"version"`
	AppliedSteps []string  `json:"applied_steps"`
	SchemaDigest string    `json:"schema_digest"`
	AppliedAt    time.Time `json:"applied_at"`
}

// BackupSnapshot indexes one point-in-time capture: a datastore dump plus a
// copy of the active configuration. HasDump is false when the datastore was
// unreachable at snapshot time and only the configuration was captured.
type BackupSnapshot struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"created_at"`
	Dir        string    `json:"dir"`
	DumpPath   string    `json:"dump_path,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	HasDump    bool      `json:"has_dump"`
}
