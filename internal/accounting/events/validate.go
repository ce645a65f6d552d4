package events

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrInvalidHeader indicates a payload header that fails validation.
var ErrInvalidHeader = errors.New("events: invalid payload header")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func headerValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
			d, ok := v.Interface().(decimal.Decimal)
			if !ok {
				return nil
			}
			f, _ := d.Float64()
			return f
		}, decimal.Decimal{})
	})
	return validate
}

// Validate checks the header fields and every line of p. Line amounts must fit
// AmountScale so the stored form is exact. It does not check the balance
// invariant; see AssertBalanced.
func Validate(p Payload) error {
	if err := headerValidator().Struct(p.Header); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			names := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				names = append(names, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidHeader, strings.Join(names, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if !p.Code.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownCode, p.Code)
	}
	if _, err := currency.ParseISO(p.CurrencyCode); err != nil {
		return fmt.Errorf("%w: currency %q", ErrInvalidHeader, p.CurrencyCode)
	}
	if len(p.Lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidHeader)
	}
	for idx, line := range p.Lines {
		if strings.TrimSpace(line.Role) == "" {
			return fmt.Errorf("line %d: %w", idx, ErrRoleRequired)
		}
		if !line.Direction.IsValid() {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidDirection)
		}
		if !line.Amount.IsPositive() {
			return fmt.Errorf("line %d: %w", idx, ErrNonPositiveAmount)
		}
		if !line.Amount.Equal(line.Amount.Round(AmountScale)) {
			return fmt.Errorf("line %d: %w: %s", idx, ErrAmountPrecision, line.Amount.String())
		}
	}
	return nil
}
