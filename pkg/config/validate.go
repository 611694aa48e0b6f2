package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator builds the shared validator, reporting fields by their
// yaml names so messages match the document.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration against the struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid configuration: %s", formatFieldErrors(fieldErrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.ESM.Backend {
	case "postgres":
		if c.ESM.Postgres.DSN == "" {
			return fmt.Errorf("invalid configuration: esm backend postgres requires esm.postgres.dsn")
		}
	case "s3":
		if c.ESM.S3.Bucket == "" {
			return fmt.Errorf("invalid configuration: esm backend s3 requires esm.s3.bucket")
		}
	}
	if c.Policy.Watch && !c.Policy.Enabled {
		return fmt.Errorf("invalid configuration: policy.watch requires policy.enabled")
	}
	return nil
}

// formatFieldErrors renders validator failures as document style paths.
func formatFieldErrors(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		path := yamlPath(fe.Namespace())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", path))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", path, fe.Param(), fe.Value()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", path, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", path, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed the %s check", path, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// yamlPath strips the root struct name from a validator namespace, so
// Config.engine.runtime reads engine.runtime.
func yamlPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
