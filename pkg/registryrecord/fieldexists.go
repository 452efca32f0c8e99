package registryrecord

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// FieldExists reports whether the JSON Pointer path resolves to a
// present, non-nil value in the Record. Rationale strings attached to
// derived CPT codes must reference a field path that exists in the record
//; this is the check that enforces it.
func (r *Record) FieldExists(path string) (bool, error) {
	doc, err := r.asInterface()
	if err != nil {
		return false, err
	}
	query, err := pointerToGojqQuery(path)
	if err != nil {
		return false, err
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return false, pserrors.FailedTo("parse field-path query", err)
	}
	iter := parsed.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if _, isErr := v.(error); isErr {
		return false, nil
	}
	return v != nil, nil
}

// asInterface marshals the Record to its generic JSON representation so
// gojq can query it structurally.
func (r *Record) asInterface() (interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, pserrors.FailedTo("marshal record for field-path lookup", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, pserrors.FailedTo("unmarshal record for field-path lookup", err)
	}
	return doc, nil
}

// pointerToGojqQuery translates an RFC 6901 JSON Pointer such as
// "/procedures_performed/linear_ebus/performed" into a gojq
// getpath(...) query string.
func pointerToGojqQuery(pointer string) (string, error) {
	if pointer == "" || pointer == "/" {
		return ".", nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return "", fmt.Errorf("registryrecord: field path %q must start with '/'", pointer)
	}
	segments := strings.Split(pointer[1:], "/")
	quoted := make([]string, len(segments))
	for i, seg := range segments {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		quoted[i] = strconv.Quote(seg)
	}
	return fmt.Sprintf("getpath([%s])", strings.Join(quoted, ",")), nil
}
