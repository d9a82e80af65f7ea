// Package badge holds the badge domain: per-course settings, issuance of
// badge records, the progress view and the Open Badges assertion.
package badge

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SettingsVersion is written into every encoded settings record.
const SettingsVersion = 1

// ErrInvalidSettings is returned when submitted settings fail validation.
var ErrInvalidSettings = errors.New("invalid badge settings")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report JSON field names rather than Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// Settings is the badge configuration of one course.
type Settings struct {
	Version     int      `json:"version"`
	BadgeURL    string   `json:"badge_url" validate:"required"`
	Name        string   `json:"badge_name" validate:"max=256"`
	Description string   `json:"badge_description" validate:"max=256"`
	MinPercent  *float64 `json:"min_percent" validate:"required,gte=0,lte=100"`
}

// ParseSettings decodes a stored settings record. An empty record yields
// zero settings, which are not Configured.
func ParseSettings(raw string) (*Settings, error) {
	s := &Settings{}

	if strings.TrimSpace(raw) == "" {
		return s, nil
	}

	if err := json.Unmarshal([]byte(raw), s); err != nil {
		return nil, fmt.Errorf("decoding badge settings: %w", err)
	}

	return s, nil
}

// NewSettings builds settings from the edit form. minPercent is parsed as
// a floating point percentage and must lie within [0, 100].
func NewSettings(badgeURL, name, description, minPercent string) (*Settings, error) {
	s := &Settings{
		Version:     SettingsVersion,
		BadgeURL:    badgeURL,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
	}

	if v := strings.TrimSpace(minPercent); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: min_percent must be a number", ErrInvalidSettings)
		}

		s.MinPercent = &f
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks the settings against their field constraints.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	msgs := make([]string, 0, len(verrs))

	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gte", "lte":
			msgs = append(msgs, fe.Field()+" must be between 0 and 100")
		case "max":
			msgs = append(msgs, fe.Field()+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}

	return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, ", "))
}

// Configured reports whether the course has both an image and a threshold.
func (s *Settings) Configured() bool {
	return s != nil && s.BadgeURL != "" && s.MinPercent != nil
}

// Threshold returns the minimum percentage, or 0 when unset.
func (s *Settings) Threshold() float64 {
	if s == nil || s.MinPercent == nil {
		return 0
	}

	return *s.MinPercent
}

// Encode serialises the settings for storage.
func (s *Settings) Encode() (string, error) {
	out := *s
	out.Version = SettingsVersion

	b, err := json.Marshal(&out)
	if err != nil {
		return "", fmt.Errorf("encoding badge settings: %w", err)
	}

	return string(b), nil
}
