package models

import (
	"time"

	"github.com/feichai0017/lecture-processor/internal/apperr"
)

// RecordPatch lists the fields one update sets. Nil fields are left alone.
// ExternalID can be set but never cleared.
type RecordPatch struct {
	Title       *string
	Description *string
	Tags        *[]string

	LocalProcessed  *bool
	LocalComplete   *bool
	LocalError      *string
	ClearLocalError bool

	ExternalID        *string
	ExternalProcessed *bool
	ExternalEmbedded  *bool
}

// IsEmpty reports whether the patch would change nothing.
func (p RecordPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Tags == nil &&
		p.LocalProcessed == nil && p.LocalComplete == nil && p.LocalError == nil && !p.ClearLocalError &&
		p.ExternalID == nil && p.ExternalProcessed == nil && p.ExternalEmbedded == nil
}

// Validate checks the patch against the record it will be applied to.
func (p RecordPatch) Validate(current *DocumentRecord) error {
	v := &apperr.ValidationError{}
	if p.Title != nil && *p.Title == "" {
		v.Add("title", "cannot be empty")
	}
	if p.ExternalID != nil && *p.ExternalID == "" {
		v.Add("externalId", "cannot be empty")
	}
	if p.LocalError != nil && p.ClearLocalError {
		v.Add("localError", "cannot be set and cleared at once")
	}
	if p.ExternalProcessed != nil && *p.ExternalProcessed {
		hasID := p.ExternalID != nil || (current != nil && current.ExternalID != nil)
		if !hasID {
			v.Add("externalProcessed", "requires an external id")
		}
	}
	return v.OrNil()
}

// Apply writes the patch onto r. Version handling belongs to the store.
func (p RecordPatch) Apply(r *DocumentRecord, now time.Time) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Tags != nil {
		r.Tags = NormalizeTags(*p.Tags)
	}
	if p.LocalProcessed != nil {
		r.LocalProcessed = *p.LocalProcessed
	}
	if p.LocalComplete != nil {
		r.LocalComplete = *p.LocalComplete
	}
	if p.LocalError != nil {
		v := *p.LocalError
		r.LocalError = &v
	}
	if p.ClearLocalError {
		r.LocalError = nil
	}
	if p.ExternalID != nil {
		v := *p.ExternalID
		r.ExternalID = &v
	}
	if p.ExternalProcessed != nil {
		r.ExternalProcessed = *p.ExternalProcessed
	}
	if p.ExternalEmbedded != nil {
		r.ExternalEmbedded = *p.ExternalEmbedded
	}
	r.LastUpdated = now
}

// Bool and Str are small helpers for building patches.
func Bool(v bool) *bool { return &v }

func Str(v string) *string { return &v }

func Version(v int) *int { return &v }
