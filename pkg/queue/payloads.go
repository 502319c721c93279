package queue

// LocalProcessPayload asks the local worker to extract and validate a record's content.
type LocalProcessPayload struct {
	RecordID string `json:"recordId"`
}

// ExternalIngestPayload asks for a record's bytes to be uploaded to the AI service.
type ExternalIngestPayload struct {
	RecordID string `json:"recordId"`
}

// ExternalCompletePayload records a finished external upload on the record.
// ExpectedVersion is set when the ingest step tracked the version it read.
type ExternalCompletePayload struct {
	RecordID        string `json:"recordId"`
	ExternalID      string `json:"externalId"`
	ExpectedVersion *int   `json:"expectedVersion,omitempty"`
}

// ExternalDeletePayload removes a file from the AI service after its record is gone.
type ExternalDeletePayload struct {
	RecordID   string `json:"recordId"`
	ExternalID string `json:"externalId"`
}
