// Package archive copies finished executions to S3-compatible object storage.
//
// Each record is a JSON document holding the execution and its full audit
// trail, stored at <prefix>/<plan id>/<execution id>.json. Records are written
// when an execution reaches a terminal status and rewritten after its
// recovery instances are terminated. Uploads are retried with exponential
// backoff.
package archive
