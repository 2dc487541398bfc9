package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports the first rule a record violated. All violations
// are kept in Violations for display.
type ValidationError struct {
	Collection string
	Field      string
	Rule       string
	Param      string
	Violations []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s (rule %s", e.Collection, e.Field, e.Rule)
	if e.Param != "" {
		msg += "=" + e.Param
	}
	msg += ")"
	if len(e.Violations) > 1 {
		msg += fmt.Sprintf("; %d violations: %s", len(e.Violations), strings.Join(e.Violations, ", "))
	}
	return msg
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names so errors line up with the stored documents.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks v (an Entry, Job or Log) against its declared rules.
func Validate(collection string, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%s: validating: %w", collection, err)
	}
	out := &ValidationError{
		Collection: collection,
		Field:      trimNamespace(verrs[0].Namespace()),
		Rule:       verrs[0].Tag(),
		Param:      verrs[0].Param(),
	}
	for _, fe := range verrs {
		out.Violations = append(out.Violations, trimNamespace(fe.Namespace())+":"+fe.Tag())
	}
	return out
}

// trimNamespace drops the leading struct name: "Job.priority" -> "priority".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
