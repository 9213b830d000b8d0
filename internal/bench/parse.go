package bench

import (
	"encoding/json"
	"strconv"
)

type workloadKey struct {
	section  int64
	workload int64
}

// document is the indexed form of one decoded payload.
type document struct {
	scalars   map[string]any
	metrics   map[int64]any
	workloads map[workloadKey]any
}

// Parse decodes a raw payload and resolves every declared field through its
// rule. The returned values are ordered parallel to the schema fields.
// complete is false when the document could not be decoded or indexed; the
// values returned alongside are still usable (a partially-populated row is
// preferable to none) but callers must treat the record as retry-eligible.
func (s Schema) Parse(raw []byte) (values []*string, complete bool) {
	values = make([]*string, len(s.Fields))

	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return values, false
	}

	doc, complete := indexDocument(top)
	for i, f := range s.Fields {
		values[i] = f.Rule.resolve(doc)
	}
	return values, complete
}

// indexDocument builds the id-keyed lookup tables the rules resolve
// against. Entries with missing or non-numeric ids are skipped and mark
// the document incomplete.
func indexDocument(top map[string]any) (*document, bool) {
	doc := &document{
		scalars:   top,
		metrics:   make(map[int64]any),
		workloads: make(map[workloadKey]any),
	}
	complete := true

	metrics, ok := asList(top["metrics"])
	if top["metrics"] != nil && !ok {
		complete = false
	}
	for _, entry := range metrics {
		m, ok := entry.(map[string]any)
		if !ok {
			complete = false
			continue
		}
		id, ok := asInt64(m["id"])
		if !ok {
			complete = false
			continue
		}
		doc.metrics[id] = m["value"]
	}

	sections, ok := asList(top["sections"])
	if top["sections"] != nil && !ok {
		complete = false
	}
	for _, entry := range sections {
		sec, ok := entry.(map[string]any)
		if !ok {
			complete = false
			continue
		}
		secID, ok := asInt64(sec["id"])
		if !ok {
			complete = false
			continue
		}
		workloads, ok := asList(sec["workloads"])
		if sec["workloads"] != nil && !ok {
			complete = false
		}
		for _, w := range workloads {
			wl, ok := w.(map[string]any)
			if !ok {
				complete = false
				continue
			}
			wlID, ok := asInt64(wl["id"])
			if !ok {
				complete = false
				continue
			}
			doc.workloads[workloadKey{secID, wlID}] = wl["score"]
		}
	}

	return doc, complete
}

func asList(v any) ([]any, bool) {
	list, ok := v.([]any)
	return list, ok
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// stringify renders a decoded JSON value as its text column form.
// Integral floats print without a fractional part.
func stringify(v any) *string {
	var s string
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		s = string(data)
	}
	return &s
}
