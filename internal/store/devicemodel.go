package store

import (
	"github.com/dgraph-io/badger/v4"
)

// variableAttributeKey addresses one (component, variable, attribute) tuple
// under VARIABLE_ATTRIBUTES/, per spec.md §6's persisted table list.
func variableAttributeKey(component, variable, attr string) string {
	return prefixVariableAttrs + component + "/" + variable + "/" + attr
}

// storedAttribute is the persisted row for a device model variable attribute.
type storedAttribute struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// SetVariableAttribute persists one device model variable attribute write,
// mirroring internal/devicemodel's in-memory SetVariableAttributeValue
// (spec.md §4.A "VARIABLES", "VARIABLE_ATTRIBUTES").
func (s *Store) SetVariableAttribute(component, variable, attr, value, source string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, variableAttributeKey(component, variable, attr), storedAttribute{Value: value, Source: source})
	})
}

// GetVariableAttribute returns a persisted attribute value, if any.
func (s *Store) GetVariableAttribute(component, variable, attr string) (value, source string, found bool, err error) {
	var row storedAttribute
	e := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, variableAttributeKey(component, variable, attr), &row)
	})
	if isNotFound(e) {
		return "", "", false, nil
	}
	if e != nil {
		return "", "", false, e
	}
	return row.Value, row.Source, true, nil
}

// ListVariableAttributes returns every persisted attribute row as
// component -> variable -> attribute -> value. devicemodel.New does not
// read it, so the in-memory Model starts empty at boot.
func (s *Store) ListVariableAttributes() (map[string]map[string]map[string]string, error) {
	out := make(map[string]map[string]map[string]string) // component -> variable -> attr -> value
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixVariableAttrs)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rest := string(item.Key())[len(prefixVariableAttrs):]
			parts := splitThree(rest)
			if parts == nil {
				continue
			}
			var row storedAttribute
			if err := item.Value(func(val []byte) error { return jsonUnmarshalInto(val, &row) }); err != nil {
				return err
			}
			component, variable, attr := parts[0], parts[1], parts[2]
			if out[component] == nil {
				out[component] = make(map[string]map[string]string)
			}
			if out[component][variable] == nil {
				out[component][variable] = make(map[string]string)
			}
			out[component][variable][attr] = row.Value
		}
		return nil
	})
	return out, err
}

// splitThree splits "a/b/c" into exactly three parts, or returns nil.
func splitThree(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) != 3 {
		return nil
	}
	return parts
}
