package models

// Error kinds tracked per job. Each kind implies a settlement policy:
// oversize/decode/encode failures are permanent (sentinel entry, counted,
// never retried), transient I/O requeues, schema-absent marks a pipeline
// bug, unknown message types stay on the dead-letter queue.
const (
	ErrorKindOversizeSource     = "oversize-source"
	ErrorKindDecodeFailure      = "decode-failure"
	ErrorKindEncodeFailure      = "encode-failure"
	ErrorKindTransientIO        = "transient-io"
	ErrorKindSchemaAbsent       = "schema-absent"
	ErrorKindUnknownMessageType = "unknown-message-type"
)
