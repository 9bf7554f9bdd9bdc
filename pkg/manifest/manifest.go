// Package manifest manages the agent manifest lifecycle: validation of
// the self-declaration document, creation, activation, suspension and
// revocation.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

var (
	ErrInvalidManifest = errors.New("manifest: invalid manifest document")
	ErrInvalidVersion  = errors.New("manifest: version is not valid semver")
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["uapk_id", "version", "capabilities"],
	"properties": {
		"uapk_id": {"type": "string", "minLength": 1, "maxLength": 255},
		"version": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"capabilities": {
			"type": "object",
			"required": ["requested"],
			"properties": {
				"requested": {
					"type": "array",
					"items": {"type": "string", "pattern": "^[a-z*][a-z0-9-]*:[a-z*][a-z0-9-]*$"}
				}
			}
		},
		"constraints": {
			"type": "object",
			"properties": {
				"max_actions_per_hour": {"type": "integer", "minimum": 0},
				"max_actions_per_day": {"type": "integer", "minimum": 0},
				"require_human_approval": {"type": "boolean"},
				"budget_threshold": {"type": "number", "minimum": 0}
			}
		},
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "connector_type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"connector_type": {"type": "string", "enum": ["mock", "webhook", "http_request"]},
					"url": {"type": "string"},
					"method": {"type": "string"},
					"headers": {"type": "object"},
					"secret_refs": {"type": "object"}
				}
			}
		},
		"metadata": {"type": "object"}
	}
}`

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", schemaJSON)

// Service owns manifest persistence and lifecycle.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService builds a manifest service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger.With("component", "manifest")}
}

// Validate checks a raw manifest document against the schema and the
// semver rule, returning the parsed spec.
func Validate(raw []byte) (*contracts.ManifestSpec, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var spec contracts.ManifestSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := semver.StrictNewVersion(spec.Version); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, spec.Version)
	}
	return &spec, nil
}

// Create validates and stores a new manifest in the pending state. The
// manifest hash is fixed at create time over the canonicalized document.
func (s *Service) Create(ctx context.Context, orgID string, raw []byte, description string) (*contracts.Manifest, error) {
	spec, err := Validate(raw)
	if err != nil {
		return nil, err
	}

	canonical, err := canonicaljson.CanonicalizeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize failed: %w", err)
	}

	m := &contracts.Manifest{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		UAPKID:       spec.UAPKID,
		Version:      spec.Version,
		ManifestJSON: canonical,
		ManifestHash: canonicaljson.HashBytes(canonical),
		Status:       contracts.ManifestPending,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateManifest(ctx, m); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "manifest created",
		"org_id", orgID, "uapk_id", m.UAPKID, "version", m.Version, "manifest_id", m.ID)
	return m, nil
}

// Get fetches a manifest by id.
func (s *Service) Get(ctx context.Context, orgID, id string) (*contracts.Manifest, error) {
	return s.store.GetManifest(ctx, orgID, id)
}

// List pages through an organization's manifests.
func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]contracts.Manifest, int, error) {
	return s.store.ListManifests(ctx, orgID, limit, offset)
}

// Activate moves a manifest to active. Only active manifests can back
// newly issued capability tokens.
func (s *Service) Activate(ctx context.Context, orgID, id string) (*contracts.Manifest, error) {
	return s.transition(ctx, orgID, id, contracts.ManifestActive)
}

// Suspend moves an active manifest to suspended.
func (s *Service) Suspend(ctx context.Context, orgID, id string) (*contracts.Manifest, error) {
	return s.transition(ctx, orgID, id, contracts.ManifestSuspended)
}

// Revoke terminally revokes a manifest.
func (s *Service) Revoke(ctx context.Context, orgID, id string) (*contracts.Manifest, error) {
	return s.transition(ctx, orgID, id, contracts.ManifestRevoked)
}

func (s *Service) transition(ctx context.Context, orgID, id string, next contracts.ManifestStatus) (*contracts.Manifest, error) {
	m, err := s.store.UpdateManifestStatus(ctx, orgID, id, next)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "manifest status changed",
		"org_id", orgID, "manifest_id", id, "status", next)
	return m, nil
}

// UpdateDescription patches the free-text description.
func (s *Service) UpdateDescription(ctx context.Context, orgID, id, description string) (*contracts.Manifest, error) {
	if err := s.store.UpdateManifestDescription(ctx, orgID, id, description); err != nil {
		return nil, err
	}
	return s.store.GetManifest(ctx, orgID, id)
}

// Delete removes a manifest; the store refuses anything not pending.
func (s *Service) Delete(ctx context.Context, orgID, id string) error {
	return s.store.DeleteManifest(ctx, orgID, id)
}

// ActiveSpec loads and parses the active manifest for a uapk_id.
func (s *Service) ActiveSpec(ctx context.Context, orgID, uapkID string) (*contracts.Manifest, *contracts.ManifestSpec, error) {
	m, err := s.store.GetActiveManifestByUAPK(ctx, orgID, uapkID)
	if err != nil {
		return nil, nil, err
	}
	spec, err := ParseSpec(m)
	if err != nil {
		return nil, nil, err
	}
	return m, spec, nil
}

// ParseSpec decodes the stored manifest document.
func ParseSpec(m *contracts.Manifest) (*contracts.ManifestSpec, error) {
	var spec contracts.ManifestSpec
	if err := json.Unmarshal(m.ManifestJSON, &spec); err != nil {
		return nil, fmt.Errorf("manifest: stored document is corrupt: %w", err)
	}
	return &spec, nil
}
