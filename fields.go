package dist

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Field names of record and index-entry nodes in the graph store.
const (
	FieldID          = "id"
	FieldDescription = "description"
	FieldFiles       = "files"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
	FieldOwner       = "owner"
	FieldFilename    = "filename"
)

// Fields flattens r into the field map stored in the graph.
// Graph nodes hold only scalars,
// so the file mapping is stored as a JSON string.
func (r *Record) Fields() (map[string]interface{}, error) {
	files, err := json.Marshal(r.Files)
	if err != nil {
		return nil, errors.Wrap(err, "encoding files")
	}
	fields := map[string]interface{}{
		FieldID:          string(r.Address),
		FieldDescription: r.Description,
		FieldFiles:       string(files),
		FieldCreatedAt:   r.CreatedAt,
		FieldUpdatedAt:   r.UpdatedAt,
	}
	if r.Owner != "" {
		fields[FieldOwner] = r.Owner
	}
	return fields, nil
}

// RecordFromFields rebuilds a record from a graph node's fields.
// It does not verify anything.
//
// The files field may arrive as a JSON string or as a nested mapping.
// If it cannot be decoded,
// or some file is stored under a key other than its filename,
// the record is returned with an empty file mapping
// together with a non-nil error describing the failure.
// The record is usable (if unlikely to verify) either way.
func RecordFromFields(fields map[string]interface{}) (*Record, error) {
	r := &Record{
		Description: stringField(fields, FieldDescription),
		Owner:       stringField(fields, FieldOwner),
		Files:       make(map[string]File),
	}
	if id, ok := fields[FieldID].(string); ok {
		r.Address = Address(id)
	}
	r.CreatedAt, _ = Int64(fields[FieldCreatedAt])
	if u, ok := Int64(fields[FieldUpdatedAt]); ok {
		r.UpdatedAt = u
	} else {
		r.UpdatedAt = r.CreatedAt
	}

	files, err := decodeFiles(fields[FieldFiles])
	if err != nil {
		return r, errors.Wrap(err, "decoding files field")
	}
	for name, f := range files {
		if f.Filename == "" {
			f.Filename = name
		}
		if f.Filename != name {
			r.Files = make(map[string]File)
			return r, errors.Errorf("file stored under %q is named %q", name, f.Filename)
		}
		r.Files[name] = NormalizeFile(f)
	}
	return r, nil
}

func decodeFiles(v interface{}) (map[string]File, error) {
	var raw []byte
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case map[string]interface{}:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("files field has type %T", v)
	}
	var files map[string]File
	err := json.Unmarshal(raw, &files)
	return files, err
}

// Fields flattens e into the field map stored in the graph.
// The entry key is not a field: it is the child key the entry is stored under.
func (e IndexEntry) Fields() map[string]interface{} {
	return map[string]interface{}{
		FieldID:          string(e.Address),
		FieldDescription: e.Description,
		FieldCreatedAt:   e.CreatedAt,
		FieldFilename:    e.FilenamePreview,
	}
}

// IndexEntryFromFields builds the index entry stored under key.
// A missing id defaults to the key itself
// and missing strings default to empty.
func IndexEntryFromFields(key string, fields map[string]interface{}) IndexEntry {
	e := IndexEntry{
		EntryKey:        key,
		Address:         Address(key),
		Description:     stringField(fields, FieldDescription),
		FilenamePreview: stringField(fields, FieldFilename),
	}
	if id, ok := fields[FieldID].(string); ok && id != "" {
		e.Address = Address(id)
	}
	e.CreatedAt, _ = Int64(fields[FieldCreatedAt])
	return e
}

// Int64 interprets a decoded field value as an integer.
// Values that have passed through a JSON codec arrive as float64 or json.Number.
func Int64(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func stringField(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}
