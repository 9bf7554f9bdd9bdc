package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

// ErrUnknownConnector means the manifest names a connector_type the
// registry cannot build.
var ErrUnknownConnector = errors.New("connector: unknown connector type")

// Registry builds connectors for manifest tool definitions and
// resolves their secret references.
type Registry struct {
	client         *http.Client
	store          *store.Store
	box            *crypto.SecretBox
	timeoutSeconds int
	allowedDomains []string
	logger         *slog.Logger
}

// NewRegistry builds a connector registry. box may be nil when no
// encryption key is configured; secret refs then resolve to nothing.
func NewRegistry(st *store.Store, box *crypto.SecretBox, timeoutSeconds int, allowedDomains []string, logger *slog.Logger) *Registry {
	return &Registry{
		client:         &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		store:          st,
		box:            box,
		timeoutSeconds: timeoutSeconds,
		allowedDomains: allowedDomains,
		logger:         logger.With("component", "connector"),
	}
}

// Build resolves a tool's secrets and returns a connector ready to
// execute it.
func (r *Registry) Build(ctx context.Context, orgID string, tool contracts.ToolDefinition) (Connector, error) {
	cfg := configFromTool(tool, r.timeoutSeconds)
	secrets, err := r.resolveSecrets(ctx, orgID, tool)
	if err != nil {
		return nil, err
	}

	switch tool.ConnectorType {
	case "mock":
		return NewMock(cfg), nil
	case "webhook":
		return NewWebhook(cfg, r.client, secrets)
	case "http_request":
		return NewHTTPRequest(cfg, r.client, secrets, r.allowedDomains), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, tool.ConnectorType)
}

// resolveSecrets decrypts every secret the tool references. A missing
// secret is skipped with a warning so the caller's own value survives;
// a decryption failure aborts the build.
func (r *Registry) resolveSecrets(ctx context.Context, orgID string, tool contracts.ToolDefinition) (map[string]string, error) {
	if len(tool.SecretRefs) == 0 || r.box == nil {
		return nil, nil
	}
	secrets := make(map[string]string)
	for _, secretName := range tool.SecretRefs {
		if _, done := secrets[secretName]; done {
			continue
		}
		sec, err := r.store.GetSecret(ctx, orgID, secretName)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.WarnContext(ctx, "secret referenced by tool not found",
				"org_id", orgID, "tool", tool.Name, "secret", secretName)
			continue
		}
		if err != nil {
			return nil, err
		}
		value, err := r.box.Decrypt(sec.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("connector: decrypt secret %q: %w", secretName, err)
		}
		secrets[secretName] = value
	}
	return secrets, nil
}
