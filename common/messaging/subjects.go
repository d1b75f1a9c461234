package messaging

// Subject constants for the sample event bus.
// Follow the pattern: {domain}.{action}
const (
	SubjectSamplesIngested = "samples.ingested" // One message per newly ingested sample
	SubjectSamplesCurated  = "samples.curated"  // Status, species or genomic change by a curator
	SubjectIngestRuns      = "samples.runs"     // Summary of every completed ingestion run
)
