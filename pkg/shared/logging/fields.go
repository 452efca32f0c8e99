// Package logging provides a small fluent builder over logrus.Fields so
// call sites get consistent field names (component, operation, duration_ms,
// ...) instead of hand-rolled maps.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a fluent wrapper around logrus.Fields.
type Fields logrus.Fields

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
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

func (f Fields) NoteID(id string) Fields {
	if id != "" {
		f["note_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
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

func (f Fields) CPTCode(code string) Fields {
	if code != "" {
		f["cpt_code"] = code
	}
	return f
}

func (f Fields) Bucket(bucket string) Fields {
	if bucket != "" {
		f["bucket"] = bucket
	}
	return f
}

// Logrus converts the builder into a plain logrus.Fields for use with
// logger.WithFields.
func (f Fields) Logrus() logrus.Fields {
	return logrus.Fields(f)
}
