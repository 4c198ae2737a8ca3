package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"dataset-catalog/models"
)

// Document ist ein TOML-Dokument, dessen Top-Level-Schlüssel ihre Reihenfolge behalten.
type Document struct {
	keys   []string
	values map[string]any
}

// NewDocument erstellt ein leeres Dokument.
func NewDocument() *Document {
	return &Document{values: map[string]any{}}
}

// ParseDocument parst TOML und stellt die Reihenfolge der Top-Level-Schlüssel aus dem Quelltext wieder her.
func ParseDocument(data []byte) (*Document, error) {
	values := map[string]any{}
	if err := toml.Unmarshal(data, &values); err != nil {
		return nil, err
	}

	doc := &Document{values: values}
	seen := make(map[string]bool, len(values))
	for _, key := range scanTopLevelKeys(data) {
		if _, ok := values[key]; ok && !seen[key] {
			seen[key] = true
			doc.keys = append(doc.keys, key)
		}
	}

	// Schlüssel, die der Scanner nicht gefunden hat, kommen sortiert ans Ende.
	var rest []string
	for key := range values {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	doc.keys = append(doc.keys, rest...)
	return doc, nil
}

// Get liefert den Wert eines Top-Level-Schlüssels.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set überschreibt einen Wert; neue Schlüssel werden hinten angehängt.
func (d *Document) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Keys liefert die Top-Level-Schlüssel in Dokumentreihenfolge.
func (d *Document) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len liefert die Anzahl der Top-Level-Schlüssel.
func (d *Document) Len() int {
	return len(d.keys)
}

// Merge übernimmt die Metadaten-Kopie eines Datensatzes. Andere Schlüssel bleiben unberührt.
func (d *Document) Merge(fields []models.SnapshotField) {
	for _, f := range fields {
		d.Set(f.Key, f.Value)
	}
}

// MarshalTOML serialisiert das Dokument: erst alle Werte, dann alle Tabellen,
// jeweils in Dokumentreihenfolge.
func (d *Document) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	var tables []string
	for _, key := range d.keys {
		if isTable(d.values[key]) {
			tables = append(tables, key)
			continue
		}
		if err := encodeEntry(&buf, key, d.values[key]); err != nil {
			return nil, err
		}
	}
	for _, key := range tables {
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		if err := encodeEntry(&buf, key, d.values[key]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// MarshalJSON gibt das Dokument als JSON-Objekt in Dokumentreihenfolge aus.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(d.values[key])
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeEntry(buf *bytes.Buffer, key string, value any) error {
	out, err := toml.Marshal(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	buf.Write(out)
	return nil
}

func isTable(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return true
	case []map[string]any:
		return len(t) > 0
	case []any:
		if len(t) == 0 {
			return false
		}
		for _, elem := range t {
			if _, ok := elem.(map[string]any); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// scanTopLevelKeys liest die Top-Level-Schlüssel in der Reihenfolge ihres ersten
// Auftretens aus dem Quelltext. Was der Scanner verpasst,
// sortiert ParseDocument hinten ein.
func scanTopLevelKeys(data []byte) []string {
	var keys []string
	inTable := false
	multiline := ""
	depth := 0

	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)

		if multiline != "" {
			if strings.Count(line, multiline)%2 == 1 {
				multiline = ""
			}
			continue
		}
		if depth > 0 {
			depth += bracketDelta(line)
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			inTable = true
			if key, ok := firstKeySegment(strings.TrimLeft(line, "[")); ok {
				keys = append(keys, key)
			}
			continue
		}

		eq := assignmentIndex(line)
		if eq < 0 {
			continue
		}
		if key, ok := firstKeySegment(line[:eq]); ok && !inTable {
			keys = append(keys, key)
		}

		value := line[eq+1:]
		multiline = openMultiline(value)
		if multiline == "" {
			depth = bracketDelta(value)
		}
	}
	return keys
}

// openMultiline liefert den Begrenzer eines mehrzeiligen Strings, der in value
// geöffnet, aber nicht geschlossen wird.
func openMultiline(value string) string {
	open := ""
	for _, delim := range []string{`"""`, `'''`} {
		if strings.Count(value, delim)%2 == 1 {
			open = delim
		}
	}
	return open
}

// assignmentIndex findet das erste "=" außerhalb von Anführungszeichen.
func assignmentIndex(line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '=':
			return i
		}
	}
	return -1
}

// bracketDelta zählt offene minus geschlossene eckige Klammern außerhalb von Strings und Kommentaren.
func bracketDelta(s string) int {
	delta := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return delta
		case c == '[':
			delta++
		case c == ']':
			delta--
		}
	}
	return delta
}

// firstKeySegment liefert das erste Segment eines (gepunkteten) TOML-Schlüssels.
func firstKeySegment(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	switch s[0] {
	case '"':
		for i := 1; i < len(s); i++ {
			if s[i] == '\\' {
				i++
				continue
			}
			if s[i] == '"' {
				key, err := strconv.Unquote(s[:i+1])
				return key, err == nil
			}
		}
		return "", false
	case '\'':
		end := strings.IndexByte(s[1:], '\'')
		if end < 0 {
			return "", false
		}
		return s[1 : 1+end], true
	}

	end := 0
	for end < len(s) && isBareKeyChar(s[end]) {
		end++
	}
	if end == 0 {
		return "", false
	}
	return s[:end], true
}

func isBareKeyChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}
