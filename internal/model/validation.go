package model

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// Submission is an externally submitted root item.
type Submission struct {
	Instruction               string `yaml:"instruction" json:"instruction"`
	DomainKey                 string `yaml:"domain_key,omitempty" json:"domain_key,omitempty"`
	WorkerType                string `yaml:"worker_type,omitempty" json:"worker_type,omitempty"`
	Priority                  int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	MaxConsecutiveInvocations int    `yaml:"max_consecutive_invocations,omitempty" json:"max_consecutive_invocations,omitempty"`
}

const maxInstructionBytes = 64 * 1024

// Validate returns field-level problems with the submission.
func (s Submission) Validate() error {
	var ve ValidationErrors
	if strings.TrimSpace(s.Instruction) == "" {
		ve.Add("instruction", "required")
	} else if len(s.Instruction) > maxInstructionBytes {
		ve.Add("instruction", fmt.Sprintf("exceeds %d bytes", maxInstructionBytes))
	}
	if s.DomainKey == EstablishmentDomain {
		ve.Add("domain_key", "reserved for framework establishment")
	}
	if s.MaxConsecutiveInvocations < 0 {
		ve.Add("max_consecutive_invocations", "must be >= 0")
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}
