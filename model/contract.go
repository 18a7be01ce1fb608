package model

import (
	"time"
)

// ObjectInfo describes one object returned by a storage listing
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Identity is the signer derived from an object key or a completion event
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Complete reports whether both name and email are present
func (i Identity) Complete() bool {
	return i.Name != "" && i.Email != ""
}

// Candidate represents a discovered contract awaiting processing
type Candidate struct {
	Key            string            `json:"key"`
	Size           int64             `json:"size"`
	LastModified   time.Time         `json:"last_modified"`
	ExtractedName  string            `json:"extracted_name,omitempty"`
	ExtractedEmail string            `json:"extracted_email,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewCandidate builds a candidate from a listed object
func NewCandidate(obj ObjectInfo) Candidate {
	return Candidate{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: obj.LastModified,
		Metadata:     obj.Metadata,
	}
}

// Identity returns the extracted signer
func (c Candidate) Identity() Identity {
	return Identity{Name: c.ExtractedName, Email: c.ExtractedEmail}
}

// WithIdentity returns a copy of the candidate carrying id
func (c Candidate) WithIdentity(id Identity) Candidate {
	c.ExtractedName = id.Name
	c.ExtractedEmail = id.Email
	return c
}

// ProcessingResult is the outcome of one processor invocation
type ProcessingResult struct {
	Success        bool      `json:"success"`
	EnvelopeID     string    `json:"envelope_id,omitempty"`
	SigningURL     string    `json:"signing_url,omitempty"`
	Error          ErrorKind `json:"error,omitempty"`
	Message        string    `json:"message"`
	ConsentURL     string    `json:"consent_url,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	Skipped        bool      `json:"skipped,omitempty"`
	PageCount      int       `json:"page_count,omitempty"`
	TrackerUpdated bool      `json:"tracker_updated,omitempty"`
	TrackerError   string    `json:"tracker_error,omitempty"`
}

// Failure builds a failed result from an error
func Failure(err error) ProcessingResult {
	res := ProcessingResult{
		Error:   KindOf(err),
		Message: err.Error(),
	}
	if envErr, ok := AsEnvelopeError(err); ok {
		res.ConsentURL = envErr.ConsentURL
	}
	return res
}

// Stats holds the aggregate run counters persisted with the processed set
type Stats struct {
	ContractsProcessed int        `json:"contracts_processed"`
	Errors             int        `json:"errors"`
	StartTime          time.Time  `json:"start_time"`
	LastCheck          *time.Time `json:"last_check"`
}

// AuditRecord is written once per processed candidate
type AuditRecord struct {
	ContractInfo     Candidate        `json:"contract_info"`
	ProcessingResult ProcessingResult `json:"processing_result"`
	ProcessedAt      time.Time        `json:"processed_at"`
	MonitorVersion   string           `json:"monitor_version"`
}

// MonitorVersion is stamped on every audit record
const MonitorVersion = "1.0"

// EnvelopeRequest is the input of the envelope creator
type EnvelopeRequest struct {
	SignerName       string
	SignerEmail      string
	Document         []byte
	DocumentFilename string
}

// Envelope is returned by a successful envelope creation
type Envelope struct {
	EnvelopeID string `json:"envelope_id"`
	SigningURL string `json:"signing_url"`
}

// TrackingRecord is the row written to the tracking store after envelope creation
type TrackingRecord struct {
	Name             string
	Email            string
	ContractFilename string
	SigningURL       string
	Status           string
}

// Tracking status constants
const (
	TrackingStatusSent     = "sent"
	TrackingStatusAwaiting = "awaiting"
	TrackingStatusSigned   = "signed"
)
