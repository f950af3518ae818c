package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/subdomain"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
		return subdomain.ValidSyntax(fl.Field().String())
	})
}

// Decode reads a JSON body into v and validates it. Failures are validation
// errors naming the offending field.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.ValidationError(model.CodeInvalidRequest, "invalid JSON body")
	}
	if err := validate.Struct(v); err != nil {
		return model.ValidationError(model.CodeInvalidRequest, describe(err))
	}
	return nil
}

// Subdomain checks the syntax of a subdomain taken from the path.
func Subdomain(name string) error {
	if err := validate.Var(name, "required,subdomain"); err != nil {
		return model.ValidationError(model.CodeNameInvalid,
			fmt.Sprintf("subdomain must be %d-%d lowercase letters, digits or hyphens",
				subdomain.MinNameLength, subdomain.MaxNameLength))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "subdomain":
		return fe.Field() + " is not a valid subdomain"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}
