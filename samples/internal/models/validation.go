package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError lists invalid request fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func lengthBetween(s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	return n >= min && n <= max
}

// Validate checks the requested status is a reviewable outcome.
func (r *ApprovalRequest) Validate() error {
	switch r.Status {
	case StatusValidated, StatusRejected:
		return nil
	default:
		return invalid("status", "must be one of validated, rejected")
	}
}

// Validate trims the species name and enforces 2-255 characters.
func (r *SpeciesRequest) Validate() error {
	if !lengthBetween(r.SpeciesName, 2, 255) {
		return invalid("species_name", "must be between 2 and 255 characters")
	}
	r.SpeciesName = strings.TrimSpace(r.SpeciesName)
	if r.SpeciesName == "" {
		return invalid("species_name", "must not be blank")
	}
	return nil
}

// Validate enforces 2-255 characters on the accession.
func (r *GenomicsRequest) Validate() error {
	if !lengthBetween(r.Accession, 2, 255) {
		return invalid("accession", "must be between 2 and 255 characters")
	}
	if strings.TrimSpace(r.Accession) == "" {
		return invalid("accession", "must not be blank")
	}
	return nil
}
