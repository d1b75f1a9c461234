package normalizer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// Rejection sentinels. A *RejectionError wraps exactly one of them.
var (
	ErrMissingIdentifier = errors.New("submission has no sample identifier")
	ErrMissingLocation   = errors.New("submission has no parseable location")
)

// RejectionError explains why a submission produced no record.
type RejectionError struct {
	Kind string
	Err  error
}

func (e *RejectionError) Error() string { return e.Err.Error() }

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(kind string, err error) *RejectionError {
	return &RejectionError{Kind: kind, Err: err}
}

// Details are descriptive fields copied verbatim (cleaned) from a submission.
// The JSON names match the sample raw_payload document.
type Details struct {
	HabitatType    *string `json:"habitat_type"`
	SoilType       *string `json:"soil_type"`
	SoilPH         *string `json:"soil_ph"`
	DepthCM        *string `json:"depth_cm"`
	NumSamples     *string `json:"num_samples"`
	TubeID         *string `json:"tube_id"`
	Notes          *string `json:"-"`
	ClimateInfo    *string `json:"climate_info"`
	PhotoSample    any     `json:"photo_sample"`
	Start          *string `json:"start"`
	End            *string `json:"end"`
	Today          *string `json:"today"`
	InstanceUUID   *string `json:"instance_uuid"`
	MetaInstanceID *string `json:"meta_instance_id"`
}

// NormalizedSample is the canonical record derived from one Submission.
type NormalizedSample struct {
	SampleID           string
	IdentifierFallback bool
	SiteName           string
	CollectorName      *string
	SamplingDate       time.Time
	Location           Geopoint
	GPSRaw             any
	Country            *string
	Details            Details
	AffiliationRaw     any
	AffiliationSlugs   []string
	AffiliationOther   *string
	Raw                Submission
}

// RawPayload builds the JSON document stored with the sample: the original
// submission under "kobo" plus the cleaned descriptive fields.
func (n *NormalizedSample) RawPayload() (json.RawMessage, error) {
	doc := struct {
		Kobo          Submission `json:"kobo"`
		CollectorName *string    `json:"collector_name"`
		Country       *string    `json:"country"`
		Details
		AffiliationOther *string `json:"affiliation_other"`
	}{
		Kobo:             n.Raw,
		CollectorName:    n.CollectorName,
		Country:          n.Country,
		Details:          n.Details,
		AffiliationOther: n.AffiliationOther,
	}
	return json.Marshal(doc)
}

// Preview is the mapped view shown by the fields debug endpoint. A nil
// sample yields the same keys with empty values.
func Preview(n *NormalizedSample) map[string]interface{} {
	if n == nil {
		return map[string]interface{}{
			"sample_id":         nil,
			"site_name":         nil,
			"collector_name":    nil,
			"sampling_date":     nil,
			"gps_coordinates":   nil,
			"affiliation":       nil,
			"affiliation_other": nil,
			"affiliation_slugs": []string{},
		}
	}
	slugs := n.AffiliationSlugs
	if slugs == nil {
		slugs = []string{}
	}
	return map[string]interface{}{
		"sample_id":         n.SampleID,
		"site_name":         n.SiteName,
		"collector_name":    n.CollectorName,
		"sampling_date":     n.SamplingDate.Format(time.DateOnly),
		"gps_coordinates":   n.GPSRaw,
		"affiliation":       n.AffiliationRaw,
		"affiliation_other": n.AffiliationOther,
		"affiliation_slugs": slugs,
	}
}

// strategy is one source for a derived value: the candidate keys handed to
// Submission.First and the parser applied to whatever they yield.
type strategy[T any] struct {
	name  string
	keys  []string
	parse func(any) (T, bool)
}

// firstOf evaluates strategies in order and stops at the first one whose
// value is present and parses.
func firstOf[T any](s Submission, strategies ...strategy[T]) (T, any, string, bool) {
	for _, st := range strategies {
		raw, ok := s.First(st.keys...)
		if !ok {
			continue
		}
		if v, ok := st.parse(raw); ok {
			return v, raw, st.name, true
		}
	}
	var zero T
	return zero, nil, "", false
}

var (
	identifierStrategies = []strategy[string]{
		{name: "sample_id", keys: []string{"sample_id"}, parse: CleanString},
		{name: "instance_id", keys: []string{"_uuid", "_id"}, parse: CleanString},
	}
	samplingDateStrategies = []strategy[time.Time]{
		{name: "sampling_date", keys: []string{"sampling_date"}, parse: ParseDate},
		{name: "submission_time", keys: []string{"_submission_time"}, parse: ParseDate},
	}
	locationStrategies = []strategy[Geopoint]{
		{name: "gps_coordinates", keys: []string{"gps_coordinates"}, parse: ParseGeopoint},
		{name: "geolocation", keys: []string{"_geolocation"}, parse: ParseGeopoint},
	}
)

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the clock used for the processing-date fallback.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// Normalizer maps raw submissions onto NormalizedSample records.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize derives a NormalizedSample from s, or returns a *RejectionError
// when the identifier or the location cannot be derived.
func (n *Normalizer) Normalize(s Submission) (*NormalizedSample, error) {
	sampleID, _, source, ok := firstOf(s, identifierStrategies...)
	if !ok {
		return nil, reject(models.ErrorKindMissingIdentifier, ErrMissingIdentifier)
	}
	fallback := source != "sample_id"
	if fallback {
		n.logger.Warn("submission missing sample_id, using instance identifier",
			logging.SampleID(sampleID))
	}

	location, gpsRaw, _, ok := firstOf(s, locationStrategies...)
	if !ok {
		return nil, reject(models.ErrorKindMissingLocation, ErrMissingLocation)
	}

	samplingDate, _, _, ok := firstOf(s, samplingDateStrategies...)
	if !ok {
		y, m, d := n.now().UTC().Date()
		samplingDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	siteName := models.UnknownSite
	if v, ok := CleanString(s.FirstOr(nil, "site_name")); ok {
		siteName = v
	}

	affiliationRaw := s.FirstOr([]any{}, "affiliation")

	return &NormalizedSample{
		SampleID:           strings.TrimSpace(sampleID),
		IdentifierFallback: fallback,
		SiteName:           siteName,
		CollectorName:      cleaned(s, "collector_name", "collector"),
		SamplingDate:       samplingDate,
		Location:           location,
		GPSRaw:             gpsRaw,
		Country:            cleaned(s, "country"),
		Details: Details{
			HabitatType:    cleaned(s, "habitat_type"),
			SoilType:       cleaned(s, "soil_type"),
			SoilPH:         cleaned(s, "soil_ph"),
			DepthCM:        cleaned(s, "depth_cm"),
			NumSamples:     cleaned(s, "num_samples"),
			TubeID:         cleaned(s, "tube_id"),
			Notes:          cleaned(s, "notes", "additional_notes"),
			ClimateInfo:    cleaned(s, "climate_info"),
			PhotoSample:    s.FirstOr(nil, "photo_sample"),
			Start:          cleaned(s, "start"),
			End:            cleaned(s, "end"),
			Today:          cleaned(s, "today"),
			InstanceUUID:   cleaned(s, "instance_uuid"),
			MetaInstanceID: cleaned(s, "meta/instanceID"),
		},
		AffiliationRaw:   affiliationRaw,
		AffiliationSlugs: ParseAffiliations(affiliationRaw),
		AffiliationOther: cleaned(s, "affiliation_other"),
		Raw:              s,
	}, nil
}

func cleaned(s Submission, keys ...string) *string {
	v, ok := CleanString(s.FirstOr(nil, keys...))
	if !ok {
		return nil
	}
	return &v
}
