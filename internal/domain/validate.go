package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTarget checks a single target in isolation. Uniqueness of tids is a
// property of the whole proposal and is checked by the store.
func ValidateTarget(t Target) error {
	if err := validate.Struct(t); err != nil {
		return describe(err)
	}
	if strings.TrimSpace(t.TID) != t.TID {
		return fmt.Errorf("tid %q has leading or trailing whitespace", t.TID)
	}
	if !finite(t.Position.A) || !finite(t.Position.B) {
		return fmt.Errorf("target %s: coordinates must be finite", t.TID)
	}
	if !finite(t.ExposureTime) {
		return fmt.Errorf("target %s: exposure_time must be finite", t.TID)
	}
	return nil
}

// ValidateImageInput requires exactly one of payload or uri.
func ValidateImageInput(in ImageInput) error {
	hasData := len(in.Data) > 0
	hasURI := in.URI != ""
	switch {
	case hasData && hasURI:
		return errors.New("image must carry either data or uri, not both")
	case !hasData && !hasURI:
		return errors.New("image must carry data or uri")
	}
	if err := validate.Struct(in); err != nil {
		return describe(err)
	}
	return nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
