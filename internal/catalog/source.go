package catalog

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawRecord is one source entry before projection, in source order
type rawRecord struct {
	key    string // document key, empty for rows and sequence items
	fields map[string]any
}

// decodeSource dispatches on file extension
func decodeSource(path string, data []byte, required []string) ([]rawRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return decodeCSV(data, required)
	case ".json":
		return decodeJSON(data)
	case ".yaml", ".yml":
		return decodeYAML(data)
	default:
		return nil, fmt.Errorf("%w: unsupported source format %q", ErrSchemaMismatch, filepath.Ext(path))
	}
}

func decodeCSV(data []byte, required []string) ([]rawRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty table, no header row", ErrSchemaMismatch)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrSchemaMismatch, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, col := range required {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}

	var out []rawRecord
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrSchemaMismatch, line, err)
		}
		fields := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(row) {
				fields[h] = row[i]
			}
		}
		out = append(out, rawRecord{fields: fields})
	}
	return out, nil
}

// decodeJSON accepts an object mapping id -> fields (key order kept) or an array of objects
func decodeJSON(data []byte) ([]rawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	var out []rawRecord
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
			}
			key, _ := keyTok.(string)
			var fields map[string]any
			if err := dec.Decode(&fields); err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrSchemaMismatch, key, err)
			}
			out = append(out, rawRecord{key: key, fields: fields})
		}
	case json.Delim('['):
		for i := 0; dec.More(); i++ {
			var fields map[string]any
			if err := dec.Decode(&fields); err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrSchemaMismatch, i, err)
			}
			out = append(out, rawRecord{fields: fields})
		}
	default:
		return nil, fmt.Errorf("%w: document must be an object or an array", ErrSchemaMismatch)
	}

	closing := json.Delim('}')
	if tok == json.Delim('[') {
		closing = json.Delim(']')
	}
	if end, err := dec.Token(); err != nil || end != closing {
		return nil, fmt.Errorf("%w: document is not closed with %q", ErrSchemaMismatch, closing)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected content after the document", ErrSchemaMismatch)
	}
	return out, nil
}

// decodeYAML accepts a mapping id -> fields (node order kept) or a sequence of mappings
func decodeYAML(data []byte) ([]rawRecord, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrSchemaMismatch)
	}

	root := doc.Content[0]
	var out []rawRecord
	switch root.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			key := root.Content[i].Value
			var fields map[string]any
			if err := root.Content[i+1].Decode(&fields); err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrSchemaMismatch, key, err)
			}
			out = append(out, rawRecord{key: key, fields: fields})
		}
	case yaml.SequenceNode:
		for i, item := range root.Content {
			var fields map[string]any
			if err := item.Decode(&fields); err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrSchemaMismatch, i, err)
			}
			out = append(out, rawRecord{fields: fields})
		}
	default:
		return nil, fmt.Errorf("%w: document must be a mapping or a sequence", ErrSchemaMismatch)
	}
	return out, nil
}
