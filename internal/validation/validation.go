package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"posledger/backend/internal/domain"
)

// Validator checks request structs by their `validate` tags and reports the
// first failure as a domain.ValidationError named by json field.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{v: v}
}

func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.Invalid("request", err.Error())
	}
	fe := fieldErrs[0]
	return &domain.ValidationError{
		Line:   lineOf(fe.Namespace()),
		Field:  fe.Field(),
		Reason: describe(fe),
	}
}

// lineOf extracts a 1-based line number from namespaces like "Req.lines[2].quantity".
func lineOf(namespace string) int {
	start := strings.Index(namespace, "lines[")
	if start < 0 {
		return 0
	}
	rest := namespace[start+len("lines["):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0
	}
	idx, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return idx + 1
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "number":
		return "must contain digits only"
	case "oneof":
		return "must be one of " + fe.Param()
	case "eqfield":
		return "must match " + fe.Param()
	default:
		return "is invalid"
	}
}
