// Package logging provides a chainable structured-field builder on top of
// logrus, shared by every component so log lines carry consistent keys.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable set of structured log fields. Each setter returns
// the same map so calls can be chained; zero-value arguments are skipped
// rather than recorded as empty fields.
type Fields map[string]interface{}

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts Fields to logrus.Fields for use with WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DatabaseFields builds fields for a database operation against a table.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds fields for an outbound or inbound HTTP call.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// ProviderFields builds fields for a storage-provider operation, tagging
// which role (primary/secondary) served it.
func ProviderFields(operation, providerName, role string) Fields {
	return NewFields().Component("provider").Operation(operation).
		Custom("provider_name", providerName).Custom("provider_role", role)
}

// DedupFields builds fields for a deduplication decision at a given tier.
func DedupFields(tier, decision string) Fields {
	return NewFields().Component("dedup").Custom("tier", tier).Custom("decision", decision)
}

// EmbeddingFields builds fields for an embedding-generation call.
func EmbeddingFields(operation, modelID string) Fields {
	return NewFields().Component("embedding").Operation(operation).Custom("model_id", modelID)
}

// MemoryFields builds fields for an operation against a single memory record.
func MemoryFields(operation, memoryID string) Fields {
	return NewFields().Component("memory").Operation(operation).Resource("memory", memoryID)
}

// SecurityFields builds fields for an auth/authorization-relevant event.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// MetricsFields builds fields for a recorded metric sample.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).
		Custom("metric_name", metricName).Custom("value", value)
}

// MaintenanceFields builds fields for a background maintenance task run.
func MaintenanceFields(task string) Fields {
	return NewFields().Component("maintenance").Operation(task)
}

// PerformanceFields builds fields summarizing the outcome of a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).
		Duration(duration).Custom("success", success)
}
