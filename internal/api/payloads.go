package api

import (
	"fmt"

	"github.com/spf13/cast"
)

// Payloads are validated at submission time, not inside job bodies: a job
// that can never run should be rejected with a 400, not dead-lettered an
// hour later.

type payloadValidator func(payload map[string]any) error

var payloadValidators = map[string]payloadValidator{
	"generate_report": requireStringField("template"),
	"export_report":   requireStringField("report_id"),
	"notify_email":    requireStringField("recipient"),
}

func requireStringField(field string) payloadValidator {
	return func(payload map[string]any) error {
		v, err := cast.ToStringE(payload[field])
		if err != nil || v == "" {
			return fmt.Errorf("payload field %q is required and must be a string", field)
		}
		return nil
	}
}

func validatePayload(name string, payload map[string]any) error {
	if v, ok := payloadValidators[name]; ok {
		return v(payload)
	}
	return nil
}
