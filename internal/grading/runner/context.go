package runner

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Context carries values extracted from earlier responses into later test
// cases of the same run. It is never persisted.
type Context struct {
	values map[string]interface{}
}

// NewContext returns an empty run context.
func NewContext() *Context {
	return &Context{values: make(map[string]interface{})}
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value interface{}) {
	c.values[key] = value
}

// Merge copies every entry of values into the context. Later writes win.
func (c *Context) Merge(values map[string]interface{}) {
	for k, v := range values {
		c.values[k] = v
	}
}

// Len reports the number of stored keys.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.values)
}

// Keys returns the stored keys in sorted order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stringify renders a JSON value for substitution into a URL path.
// Strings are used verbatim; everything else uses its compact JSON form.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
