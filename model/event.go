package model

// EventEnvelopeCompleted is the only completion event acted upon
const EventEnvelopeCompleted = "envelope-completed"

// CompletionEvent is the relevant part of a signing provider notification
type CompletionEvent struct {
	Event         string `json:"event"`
	EnvelopeID    string `json:"envelope_id"`
	Status        string `json:"status,omitempty"`
	CompletedDate string `json:"completed_date,omitempty"`
	SignerName    string `json:"signer_name"`
	SignerEmail   string `json:"signer_email"`
}

// Signer returns the identity of the first signer
func (e CompletionEvent) Signer() Identity {
	return Identity{Name: e.SignerName, Email: e.SignerEmail}
}
