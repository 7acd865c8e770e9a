package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError names every offending configuration key, not just the
// first. Operators fix the whole list in one edit.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("invalid configuration:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %s", k, e.Fields[k])
	}
	return b.String()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks presence and format of every required key. It is a pure
// gate: no service is started or mutated before it passes.
func (c *Config) Validate() error {
	fields := map[string]string{}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fieldKey(fe.Namespace())] = tagMessage(fe)
		}
	}

	// The struct tags can't see URL schemes; the datastore URL must be a
	// postgres connection string.
	if c.Datastore.URL != "" {
		if u, err := url.Parse(c.Datastore.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			fields["datastore.url"] = "must be a postgres:// connection URL"
		}
	}
	if c.AppPort != 0 && c.AppPort == c.ProxyPort {
		fields["proxy_port"] = "must differ from app_port"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// fieldKey turns validator's "Config.Datastore.URL" namespace into the
// config-file key "datastore.url".
func fieldKey(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = camelToSnake(p)
	}
	return strings.Join(parts, ".")
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing required value"
	case "min":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return "must be a syntactically valid URL"
	case "fqdn":
		return "must be a fully qualified domain name"
	case "ip":
		return "must be an IP address"
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
