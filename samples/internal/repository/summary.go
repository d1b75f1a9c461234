package repository

import (
	"encoding/json"
	"time"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// summarize builds the listing row for a sample. Descriptive fields come
// from the raw payload document.
func summarize(s *models.Sample, affiliations, species []string, hasGenomic bool) *models.SampleSummary {
	var payload map[string]any
	if len(s.RawPayload) > 0 {
		_ = json.Unmarshal(s.RawPayload, &payload)
	}

	siteName := models.UnknownSite
	if s.SiteName != nil && *s.SiteName != "" {
		siteName = *s.SiteName
	}

	samplingDate := s.SubmittedAt.UTC().Format(time.DateOnly)
	if s.SamplingDate != nil {
		samplingDate = s.SamplingDate.Format(time.DateOnly)
	}

	collector := s.SubmittedBy
	if collector == nil || *collector == "" {
		collector = payloadString(payload, "collector_name")
		if collector == nil {
			collector = payloadString(payload, "collector")
		}
	}

	if affiliations == nil {
		affiliations = []string{}
	}
	if species == nil {
		species = []string{}
	}

	return &models.SampleSummary{
		ID:               s.ID,
		SampleID:         s.ExternalSampleID,
		Status:           s.Status,
		SiteName:         siteName,
		SamplingDate:     samplingDate,
		CollectorName:    collector,
		TubeID:           payloadString(payload, "tube_id"),
		SoilPH:           payloadString(payload, "soil_ph"),
		DepthCM:          payloadString(payload, "depth_cm"),
		Lat:              s.Latitude,
		Lon:              s.Longitude,
		Affiliations:     affiliations,
		AffiliationOther: payloadString(payload, "affiliation_other"),
		Species:          species,
		HasGenomicLinks:  hasGenomic,
		DataSource:       s.DataSource,
	}
}

func payloadString(payload map[string]any, key string) *string {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return nil
	}
	return &v
}
