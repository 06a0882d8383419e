package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/go-playground/validator/v10"
)

// ContractVersion is sent with every request in the HeaderContract header.
const ContractVersion = "v1"

const (
	HeaderContract       = "X-Agent-Contract"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ErrMalformedReply is wrapped by every error returned from ParseReply.
var ErrMalformedReply = errors.New("malformed agent reply")

// Request is the only body the agent accepts.
type Request struct {
	Input string `json:"input"`
}

// EncodeRequest returns the request body for instruction.
func EncodeRequest(instruction string) ([]byte, error) {
	return json.Marshal(Request{Input: instruction})
}

type vulnerabilityReply struct {
	Critical *int `json:"critical" validate:"required,min=0"`
	High     *int `json:"high" validate:"required,min=0"`
	Medium   *int `json:"medium" validate:"required,min=0"`
	Low      *int `json:"low" validate:"required,min=0"`
	Info     *int `json:"info" validate:"required,min=0"`
	Total    *int `json:"total" validate:"omitempty,min=0"`
}

type privacyReply struct {
	High   *int `json:"high" validate:"required,min=0"`
	Medium *int `json:"medium" validate:"required,min=0"`
	Low    *int `json:"low" validate:"required,min=0"`
	Total  *int `json:"total" validate:"omitempty,min=0"`
}

type dependencyReply struct {
	Total *int `json:"total" validate:"required,min=0"`
}

type statsReply struct {
	Vulnerabilities *vulnerabilityReply `json:"vulnerabilities" validate:"required"`
	PrivacyIssues   *privacyReply       `json:"privacyIssues" validate:"required"`
	Dependencies    *dependencyReply    `json:"dependencies" validate:"required"`
}

// reply accepts the counts either at the top level or wrapped in "stats".
type reply struct {
	statsReply
	Stats *statsReply `json:"stats"`
}

var replyValidator = newReplyValidator()

// newReplyValidator reports fields by their JSON names.
func newReplyValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseReply decodes and validates an agent reply into Findings.
func ParseReply(body []byte) (models.Findings, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return models.Findings{}, fmt.Errorf("%w: empty body", ErrMalformedReply)
	}
	if trimmed[0] != '{' {
		return models.Findings{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedReply)
	}

	var r reply
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return models.Findings{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	stats := &r.statsReply
	if stats.Vulnerabilities == nil && stats.PrivacyIssues == nil && stats.Dependencies == nil && r.Stats != nil {
		stats = r.Stats
	}

	if err := replyValidator.Struct(stats); err != nil {
		return models.Findings{}, fmt.Errorf("%w: %s", ErrMalformedReply, describeValidation(err))
	}

	findings := models.Findings{
		Vulnerabilities: models.VulnerabilityCounts{
			Critical: *stats.Vulnerabilities.Critical,
			High:     *stats.Vulnerabilities.High,
			Medium:   *stats.Vulnerabilities.Medium,
			Low:      *stats.Vulnerabilities.Low,
			Info:     *stats.Vulnerabilities.Info,
		},
		PrivacyIssues: models.PrivacyCounts{
			High:   *stats.PrivacyIssues.High,
			Medium: *stats.PrivacyIssues.Medium,
			Low:    *stats.PrivacyIssues.Low,
		},
		Dependencies: models.DependencyCounts{Total: *stats.Dependencies.Total},
	}

	if t := stats.Vulnerabilities.Total; t != nil && *t != findings.Vulnerabilities.Total() {
		return models.Findings{}, fmt.Errorf("%w: vulnerabilities.total %d does not match sum %d",
			ErrMalformedReply, *t, findings.Vulnerabilities.Total())
	}
	if t := stats.PrivacyIssues.Total; t != nil && *t != findings.PrivacyIssues.Total() {
		return models.Findings{}, fmt.Errorf("%w: privacyIssues.total %d does not match sum %d",
			ErrMalformedReply, *t, findings.PrivacyIssues.Total())
	}

	return findings, nil
}

func describeValidation(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.TrimPrefix(e.Namespace(), "statsReply.")
		if e.Tag() == "required" {
			msgs = append(msgs, field+" is missing")
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, e.Tag(), e.Param()))
	}
	return strings.Join(msgs, "; ")
}
