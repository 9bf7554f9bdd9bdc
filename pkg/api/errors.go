package api

import (
	"errors"
	"net/http"

	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/store"
)

// writeDomainError maps a service error onto the HTTP taxonomy:
// 404 for missing entities, 409 for unique-constraint collisions,
// 422 for schema rejections, 400 for wrong-state operations, and 500
// for everything unrecognized.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "The requested resource does not exist")
	case errors.Is(err, store.ErrConflict):
		WriteConflict(w, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		WriteForbidden(w, "Insufficient role for this operation")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInactiveUser),
		errors.Is(err, auth.ErrInvalidAPIKey):
		WriteUnauthorized(w, "Invalid credentials")
	case errors.Is(err, auth.ErrLastOwner):
		WriteBadRequest(w, "Cannot remove the last owner of an organization")
	case errors.Is(err, manifest.ErrInvalidManifest),
		errors.Is(err, manifest.ErrInvalidVersion):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, captoken.ErrManifestNotActive),
		errors.Is(err, captoken.ErrCapabilityNotDeclared),
		errors.Is(err, captoken.ErrAlreadyRevoked),
		errors.Is(err, captoken.ErrInvalidPublicKey):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		WriteBadRequest(w, "Approval has already been decided")
	case errors.Is(err, approval.ErrExpired):
		WriteBadRequest(w, "Approval has expired")
	default:
		WriteInternal(w, err)
	}
}

// writeTransitionError is writeDomainError with wrong-state lifecycle
// refusals downgraded from 409 to 400: they are business-rule
// violations, not unique-constraint collisions.
func writeTransitionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrConflict) {
		WriteBadRequest(w, err.Error())
		return
	}
	writeDomainError(w, err)
}
