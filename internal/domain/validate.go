package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Decimals are validated by their float value so numeric tags like gte work.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterValidation("casestatus", func(fl validator.FieldLevel) bool {
		return CaseStatus(fl.Field().String()).Valid()
	})
	v.RegisterValidation("restockstatus", func(fl validator.FieldLevel) bool {
		return RestockStatus(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks a struct against its validate tags.
// Failures are returned wrapped in ErrInvalidInput.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
}
