package runner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var contextRefPattern = regexp.MustCompile(`\{\{context\.(\w+)\}\}`)

// PathError is a path resolution failure. Its message is the result feedback.
type PathError struct {
	msg string
}

func (e *PathError) Error() string { return e.msg }

// ResolvePath substitutes every {key} placeholder of template with the
// matching parameter. A string parameter containing both "{{" and "}}" is a
// context reference and takes its value from runCtx. Parameters are applied
// in sorted key order and substitution is not recursive.
func ResolvePath(template string, params map[string]interface{}, runCtx *Context) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := template
	for _, key := range keys {
		placeholder := "{" + key + "}"
		value := params[key]

		s, isString := value.(string)
		if !isString || !strings.Contains(s, "{{") || !strings.Contains(s, "}}") {
			path = strings.ReplaceAll(path, placeholder, Stringify(value))
			continue
		}

		match := contextRefPattern.FindStringSubmatch(s)
		if match == nil {
			return "", &PathError{msg: fmt.Sprintf("Test failed: Invalid context variable format '%s'.", s)}
		}
		ctxValue, ok := runCtx.Get(match[1])
		if !ok {
			return "", &PathError{msg: fmt.Sprintf("Test failed: Context variable '%s' not found for path parameter.", match[1])}
		}
		path = strings.ReplaceAll(path, placeholder, Stringify(ctxValue))
	}
	return path, nil
}
