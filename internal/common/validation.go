package common

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// FieldError names one rejected field of a queue message or request.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + " " + e.Reason
}

// Rule returns why value is rejected, or "" when it is acceptable.
type Rule func(value string) string

// Field pairs a value with the rules it must pass.
type Field struct {
	Name  string
	Value string
	Rules []Rule
}

func F(name, value string, rules ...Rule) Field {
	return Field{Name: name, Value: value, Rules: rules}
}

// CheckFields runs every rule and reports all failures as one validation AppError
// with the given code. The first failing rule of a field stops that field.
func CheckFields(code string, fields ...Field) error {
	var failed []string
	for _, f := range fields {
		for _, rule := range f.Rules {
			if reason := rule(f.Value); reason != "" {
				failed = append(failed, FieldError{Field: f.Name, Reason: reason}.Error())
				break
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return NewAppError(code, strings.Join(failed, "; "), ErrValidation)
}

func NotBlank(v string) string {
	if strings.TrimSpace(v) == "" {
		return "is required"
	}
	return ""
}

func IsUUID(v string) string {
	if _, err := uuid.Parse(v); err != nil {
		return "must be a UUID"
	}
	return ""
}

// ObjectKeyOf accepts only "<id>/<name>" where name is a single clean path segment.
func ObjectKeyOf(id string) Rule {
	return func(v string) string {
		name, ok := strings.CutPrefix(v, id+"/")
		if !ok {
			return "must start with " + id + "/"
		}
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") || path.Clean(v) != v {
			return "must name a single file under " + id + "/"
		}
		return ""
	}
}
