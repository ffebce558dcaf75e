package config

import "fmt"

// FieldError 指出哪个配置项不合法、取值是什么以及原因，check-config 直接输出给用户。
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason)
}

func newFieldError(field string, value any, reason string) error {
	return FieldError{Field: field, Value: value, Reason: reason}
}
