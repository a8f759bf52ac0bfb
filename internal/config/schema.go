package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/nimbusgate/internal/assets/schemas"
)

// ErrValidationFailed indicates a providers file failed schema validation.
var ErrValidationFailed = errors.New("providers file validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the offending field (e.g. "/providers/0/type").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schema violations:", len(e))
	for _, v := range e {
		b.WriteString("\n  - ")
		b.WriteString(v.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// validateProvidersYAML checks a raw providers document against the
// embedded schema. An empty document is valid.
func validateProvidersYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("providers file is not representable as JSON: %w", err)
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ProvidersSchema) == 0 {
			validatorErr = errors.New("embedded providers schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ProvidersSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile providers schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
