package config

import (
	"fmt"
	"strings"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/logging"
)

// MaxAnchorName is the longest anchor path pf accepts.
const MaxAnchorName = 1023

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, ValidationError{Field: "log_level", Message: err.Error()})
		}
	}
	if c.JournalRetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "journal_retention_days", Message: "must not be negative"})
	}

	seen := make(map[string]bool)
	for i, a := range c.Anchors {
		errs = append(errs, a.validate(fmt.Sprintf("anchor[%d]", i), seen)...)
	}
	return errs
}

func (a Anchor) validate(field string, seen map[string]bool) ValidationErrors {
	var errs ValidationErrors

	switch {
	case a.Name == "":
		errs = append(errs, ValidationError{Field: field, Message: "anchor name is empty"})
	case len(a.Name) > MaxAnchorName:
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("anchor name longer than %d bytes", MaxAnchorName)})
	}
	field = fmt.Sprintf("anchor %q", a.Name)

	rs, err := a.Ruleset()
	if err != nil {
		return append(errs, ValidationError{Field: field + ".kind", Message: err.Error()})
	}
	key := a.Name + "/" + rs.String()
	if seen[key] {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate anchor for kind %s", rs)})
	}
	seen[key] = true

	if len(a.FilterRules) > 0 && rs != codec.RulesetFilter {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("filter_rule in a %s anchor", rs)})
	}

	for i, fr := range a.FilterRules {
		if _, err := fr.Build(); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.filter_rule[%d]", field, i), Message: err.Error()})
		}
	}
	for i, nr := range a.NatRules {
		r, err := nr.Build()
		if err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.nat_rule[%d]", field, i), Message: err.Error()})
			continue
		}
		if r.Ruleset() != rs {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.nat_rule[%d]", field, i),
				Message: fmt.Sprintf("%s rule in a %s anchor", r.Action, rs),
			})
		}
	}
	return errs
}
