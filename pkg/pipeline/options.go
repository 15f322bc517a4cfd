package pipeline

import "github.com/rotisserie/eris"

// Options holds the stage specific configuration. Values come from Go code or the config script and are
// therefore limited to strings, bools, numbers, lists and nested maps.
type Options map[string]interface{}

// String returns the string stored under key or def
func (o Options) String(key, def string) string {
	if value, ok := o[key].(string); ok {
		return value
	}
	return def
}

// Bool returns the bool stored under key or def
func (o Options) Bool(key string, def bool) bool {
	if value, ok := o[key].(bool); ok {
		return value
	}
	return def
}

// Int returns the integer stored under key or def
func (o Options) Int(key string, def int) int {
	switch value := o[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	}
	return def
}

// Strings returns the list stored under key. A single string is treated as a list with one item.
func (o Options) Strings(key string) ([]string, error) {
	switch value := o[key].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{value}, nil
	case []string:
		return value, nil
	case []interface{}:
		result := make([]string, len(value))
		for idx, item := range value {
			str, ok := item.(string)
			if !ok {
				return nil, eris.Errorf("option %s: item %d is a %T, not a string", key, idx, item)
			}
			result[idx] = str
		}
		return result, nil
	}

	return nil, eris.Errorf("option %s: expected a list of strings but found %T", key, o[key])
}

// Map returns the nested map stored under key (never nil)
func (o Options) Map(key string) (map[string]interface{}, error) {
	switch value := o[key].(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return value, nil
	case Options:
		return value, nil
	}

	return nil, eris.Errorf("option %s: expected a map but found %T", key, o[key])
}
