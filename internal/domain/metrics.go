package domain

// Counter names the pipeline reports to its MetricsSink.
const (
	MetricItemsIngested    = "items_ingested"
	MetricItemsDecoded     = "items_decoded"
	MetricDecodeFailures   = "decode_failures"
	MetricBatchesFormed    = "batches_formed"
	MetricBatchesInferred  = "batches_inferred"
	MetricInferFailures    = "infer_failures"
	MetricMixedTextBatches = "mixed_text_batches"
	MetricBatchesWritten   = "batches_written"
	MetricWriteFailures    = "write_failures"
	MetricSourceErrors     = "source_errors"
)

// Observation names reported to an Observer.
const (
	ObserveInferSeconds = "infer_seconds"
	ObserveWriteSeconds = "write_seconds"
	ObserveBatchSize    = "batch_size"
)
