package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
)

// Validator wraps go-playground/validator with the attendance rules registered.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with the isodate, attcode and qrcode tags.
func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		return IsDate(fl.Field().String())
	})
	_ = v.RegisterValidation("attcode", func(fl validator.FieldLevel) bool {
		return IsCode(fl.Field().String())
	})
	_ = v.RegisterValidation("qrcode", func(fl validator.FieldLevel) bool {
		return IsQRCode(strings.ToUpper(strings.TrimSpace(fl.Field().String())))
	})
	return &Validator{validate: v}
}

// Struct validates s and returns an apperr.ErrInvalidInput describing the first failures.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return apperr.Invalid("%s", strings.Join(msgs, "; "))
}

// IsDate reports whether s is a YYYY-MM-DD calendar date.
func IsDate(s string) bool {
	if len(s) != len(model.DateLayout) {
		return false
	}
	_, err := time.Parse(model.DateLayout, s)
	return err == nil
}

// IsCode reports whether s is one of the attendance codes P, A or L.
func IsCode(s string) bool {
	return s == model.Present || s == model.Absent || s == model.Late
}

// IsQRCode reports whether s has the shape of a session code.
func IsQRCode(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
