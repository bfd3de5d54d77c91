package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/iyulab/sentinel/internal/alert"
)

const systemPrompt = "You are a cybersecurity expert analyzing authentication logs for credential attacks. " +
	"Respond only with a JSON object."

// ReplySchema constrains structured output for providers that support it.
var ReplySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"is_credential_attack": map[string]string{"type": "boolean"},
		"severity":             map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
		"source":               map[string]string{"type": "string"},
		"targets":              map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
		"mitre_technique":      map[string]string{"type": "string"},
		"app_impact":           map[string]string{"type": "string"},
		"recommended_actions":  map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
	},
	"required": []string{
		"is_credential_attack", "severity", "source", "targets",
		"mitre_technique", "app_impact", "recommended_actions",
	},
}

// buildPrompt renders the alert batch into the user prompt.
func buildPrompt(alerts []alert.Alert) (string, error) {
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal alerts: %w", err)
	}
	return fmt.Sprintf(`Analyze these authentication alerts and determine if they represent a credential attack:

%s

Provide your analysis in JSON format with these fields:
1. is_credential_attack (boolean)
2. severity (1-10 scale)
3. source (IP address)
4. targets (usernames)
5. mitre_technique (MITRE ATT&CK technique ID and name)
6. app_impact (whether this potentially violates the Australian Privacy Principles)
7. recommended_actions (list of recommended responses)
`, data), nil
}
