package logging

import "log/slog"

// Field names shared by every component so log queries stay uniform.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldActor     = "actor"
	FieldRunID     = "run_id"
	FieldSampleID  = "sample_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Actor returns a slog attribute for whoever triggered an action.
func Actor(actor string) slog.Attr {
	return slog.String(FieldActor, actor)
}

// RunID returns a slog attribute for an ingestion run.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// SampleID returns a slog attribute for an external sample identifier.
func SampleID(id string) slog.Attr {
	return slog.String(FieldSampleID, id)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
