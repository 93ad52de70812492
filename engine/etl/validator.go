package etl

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"cadence/engine/models"
)

var metricNameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validator enforces the wire schema on decoded metric events: required
// identity fields, metric names restricted to [A-Za-z0-9_], finite
// non-negative values, parseable timestamps.
type Validator struct {
	v *validator.Validate
	// AllowNegative loosens the default value floor for sources that emit
	// deltas.
	AllowNegative bool
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("metric_name", func(fl validator.FieldLevel) bool {
		return metricNameRE.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Validate returns a KindValidation error describing the first violation.
func (va *Validator) Validate(ev models.MetricEvent) error {
	if err := va.v.Struct(ev); err != nil {
		return models.E(models.KindValidation, "etl.validate", err)
	}
	if !ev.ValueOK() && !(va.AllowNegative && ev.Value < 0) {
		return models.E(models.KindValidation, "etl.validate",
			fmt.Errorf("value %v not a finite non-negative number", ev.Value))
	}
	if ev.Timestamp.After(time.Now().Add(24 * time.Hour)) {
		return models.E(models.KindValidation, "etl.validate",
			fmt.Errorf("timestamp %s too far in the future", ev.Timestamp.Format(time.RFC3339)))
	}
	return nil
}

// Partition splits records into valid and invalid sets, annotating each
// invalid record with its violation.
func (va *Validator) Partition(records []Record) (valid, invalid []Record) {
	for _, r := range records {
		if err := va.Validate(r.Event); err != nil {
			r.Err = err
			invalid = append(invalid, r)
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}
