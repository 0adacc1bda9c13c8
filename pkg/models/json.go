package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

// JSONMap stores a free-form object as a JSON text column.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// JSONRoles stores role assignments as a JSON text column.
type JSONRoles []Role

func (r *JSONRoles) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, r)
}

func (r JSONRoles) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

// JSONTableRefs stores discovered table metadata as a JSON text column.
type JSONTableRefs []TableRef

func (a *JSONTableRefs) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, a)
}

func (a JSONTableRefs) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

// JSONSimilarQueries stores similar-query metadata as a JSON text column.
type JSONSimilarQueries []SimilarQuery

func (a *JSONSimilarQueries) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, a)
}

func (a JSONSimilarQueries) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

// JSONResultSet stores a result payload as a JSON text column.
type JSONResultSet ResultSet

func (r *JSONResultSet) Scan(value any) error {
	if value == nil {
		*r = JSONResultSet{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, r)
}

func (r JSONResultSet) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
}
