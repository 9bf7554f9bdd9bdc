// Package connector executes admitted actions against their declared
// tool backends. Mock, webhook and generic HTTP connectors share one
// interface; a failed execution is still a result, never an admission
// error.
package connector

import (
	"context"
	"strings"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
)

// headerRefPrefix marks a secret_refs key as a header injection rather
// than a parameter substitution.
const headerRefPrefix = "header:"

// Config is one tool's execution configuration, lifted from its
// manifest declaration.
type Config struct {
	ConnectorType  string
	URL            string
	Method         string
	Headers        map[string]string
	TimeoutSeconds int
	SecretRefs     map[string]string
	Extra          map[string]any
}

// Connector executes a tool invocation.
type Connector interface {
	Execute(ctx context.Context, params map[string]any) *contracts.ConnectorResult
}

// configFromTool maps a manifest tool definition onto a Config,
// applying the registry's default timeout.
func configFromTool(tool contracts.ToolDefinition, timeoutSeconds int) Config {
	return Config{
		ConnectorType:  tool.ConnectorType,
		URL:            tool.URL,
		Method:         tool.Method,
		Headers:        tool.Headers,
		TimeoutSeconds: timeoutSeconds,
		SecretRefs:     tool.SecretRefs,
		Extra:          tool.Extra,
	}
}

// resolveParams substitutes secret values into parameters whose name
// appears in secret_refs. Unresolved refs keep the caller's value.
func resolveParams(cfg Config, secrets map[string]string, params map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		if secretName, ok := cfg.SecretRefs[key]; ok {
			if secret, found := secrets[secretName]; found {
				resolved[key] = secret
				continue
			}
		}
		resolved[key] = value
	}
	return resolved
}

// buildHeaders merges configured headers with header-targeted secret
// refs ("header:X-Api-Key" -> secret name).
func buildHeaders(cfg Config, secrets map[string]string) map[string]string {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	for ref, secretName := range cfg.SecretRefs {
		if !strings.HasPrefix(ref, headerRefPrefix) {
			continue
		}
		if secret, found := secrets[secretName]; found {
			headers[strings.TrimPrefix(ref, headerRefPrefix)] = secret
		}
	}
	return headers
}

// hashResult stamps the result with the canonical hash of its data.
// Hashing the data tree cannot fail once it has round-tripped JSON.
func hashResult(result *contracts.ConnectorResult) *contracts.ConnectorResult {
	if hash, err := canonicaljson.Hash(result.Data); err == nil {
		result.ResultHash = hash
	}
	return result
}

func failure(code, message string, statusCode int, durationMs int64) *contracts.ConnectorResult {
	return &contracts.ConnectorResult{
		Success:    false,
		Error:      &contracts.ConnectorError{Code: code, Message: message},
		StatusCode: statusCode,
		DurationMs: durationMs,
	}
}
