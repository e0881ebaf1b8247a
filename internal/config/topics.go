package config

const (
	// TopicExtractionRun carries requests to run an enqueue and/or consume sweep.
	TopicExtractionRun = "extraction.run"

	// TopicSubsidyExtracted is published after a job merged new data into a subsidy record.
	TopicSubsidyExtracted = "subsidy.extracted"

	// ChannelScheduler is the consumer channel used by pipeline workers.
	ChannelScheduler = "scheduler"
)
