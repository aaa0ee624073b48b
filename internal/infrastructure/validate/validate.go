// package validate
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Validator is a function that validates a string and returns an error if invalid
type Validator func(value string) error

// IntValidator is the integer counterpart of Validator
type IntValidator func(value int) error

// Field creates a labeled validator with a custom name for better error messages
func Field(name string, validators ...Validator) Validator {
	return func(value string) error {
		for _, v := range validators {
			if err := v(value); err != nil {
				if !strings.Contains(err.Error(), name) {
					return fmt.Errorf("%s %w", name, err)
				}
				return err
			}
		}
		return nil
	}
}

// IntField labels integer validators the same way Field does
func IntField(name string, validators ...IntValidator) IntValidator {
	return func(value int) error {
		for _, v := range validators {
			if err := v(value); err != nil {
				return fmt.Errorf("%s %w", name, err)
			}
		}
		return nil
	}
}

// Compose chains multiple validators, first error wins
func Compose(validators ...Validator) Validator {
	return func(value string) error {
		for _, v := range validators {
			if err := v(value); err != nil {
				return err
			}
		}
		return nil
	}
}

// Required ensures the field is not empty
func Required() Validator {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("is required")
		}
		return nil
	}
}

// MinLength checks the trimmed length in characters
func MinLength(min int) Validator {
	return func(v string) error {
		if utf8.RuneCountInString(strings.TrimSpace(v)) < min {
			return fmt.Errorf("must be at least %d characters", min)
		}
		return nil
	}
}

// MaxLength checks the length in characters
func MaxLength(max int) Validator {
	return func(v string) error {
		if utf8.RuneCountInString(v) > max {
			return fmt.Errorf("must be no more than %d characters", max)
		}
		return nil
	}
}

// LengthBetween checks length between min and max (inclusive)
func LengthBetween(min, max int) Validator {
	return Compose(MinLength(min), MaxLength(max))
}

// Matches checks if value matches a regex
func Matches(pattern, message string) Validator {
	re := regexp.MustCompile(pattern)
	return func(v string) error {
		if !re.MatchString(v) {
			if message != "" {
				return fmt.Errorf("%s", message)
			}
			return fmt.Errorf("has an invalid format")
		}
		return nil
	}
}

// OneOf checks if value is in allowed list
func OneOf(allowed ...string) Validator {
	set := make(map[string]bool)
	for _, a := range allowed {
		set[a] = true
	}
	return func(v string) error {
		if !set[v] {
			return fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

// Between checks an integer range (inclusive)
func Between(min, max int) IntValidator {
	return func(v int) error {
		if v < min || v > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// IntOneOf checks an integer against an allowed set
func IntOneOf(allowed ...int) IntValidator {
	return func(v int) error {
		for _, a := range allowed {
			if a == v {
				return nil
			}
		}
		parts := make([]string, len(allowed))
		for i, a := range allowed {
			parts[i] = strconv.Itoa(a)
		}
		return fmt.Errorf("must be one of: %s", strings.Join(parts, ", "))
	}
}

// Collect runs every check and returns the messages of the failing ones.
func Collect(checks ...error) []string {
	var problems []string
	for _, err := range checks {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}
