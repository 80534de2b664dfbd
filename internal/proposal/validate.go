package proposal

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/lfrezen/insurance/internal/domain"
)

// CoverageTypes lists the accepted coverage names.
var CoverageTypes = []string{"Vida", "Auto", "Residencial", "Empresarial"}

// CreateInput is a proposal request before validation.
type CreateInput struct {
	FullName      string          `json:"full_name" validate:"required,min=3,max=200"`
	NationalID    string          `json:"national_id" validate:"required,cpf"`
	Email         string          `json:"email" validate:"required,email,max=100"`
	CoverageType  string          `json:"coverage_type" validate:"required,coverage"`
	InsuredAmount decimal.Decimal `json:"insured_amount" validate:"gt=0,lte=10000000"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		return ValidCPF(fl.Field().String())
	})
	_ = v.RegisterValidation("coverage", func(fl validator.FieldLevel) bool {
		return CanonicalCoverage(fl.Field().String()) != ""
	})
	return v
}

// ValidCPF checks the 11-digit Brazilian taxpayer number and its two check digits.
// Dots and dashes are ignored.
func ValidCPF(s string) bool {
	s = strings.TrimSpace(strings.NewReplacer(".", "", "-", "").Replace(s))
	if len(s) != 11 {
		return false
	}
	var d [11]int
	same := true
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		d[i] = int(r - '0')
		if d[i] != d[0] {
			same = false
		}
	}
	if same {
		return false
	}
	return checkDigit(d[:9], 10) == d[9] && checkDigit(d[:10], 11) == d[10]
}

func checkDigit(digits []int, weight int) int {
	sum := 0
	for i, v := range digits {
		sum += v * (weight - i)
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// CanonicalCoverage returns the canonical spelling of a coverage type, or "".
func CanonicalCoverage(s string) string {
	s = strings.TrimSpace(s)
	for _, c := range CoverageTypes {
		if strings.EqualFold(s, c) {
			return c
		}
	}
	return ""
}

var fieldMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email address",
	"cpf":      "must be a valid CPF",
	"coverage": "must be one of " + strings.Join(CoverageTypes, ", "),
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Wrap(domain.KindValidation, err, "invalid proposal")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			switch fe.Tag() {
			case "min":
				msg = fmt.Sprintf("must be at least %s characters", fe.Param())
			case "max":
				msg = fmt.Sprintf("must be at most %s characters", fe.Param())
			case "gt":
				msg = fmt.Sprintf("must be greater than %s", fe.Param())
			case "lte":
				msg = fmt.Sprintf("must not exceed %s", fe.Param())
			default:
				msg = "is invalid"
			}
		}
		msgs = append(msgs, fe.Field()+" "+msg)
	}
	return domain.Errorf(domain.KindValidation, "%s", strings.Join(msgs, "; "))
}
