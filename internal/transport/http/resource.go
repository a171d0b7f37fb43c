package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custodia/internal/entity"
	dErrors "custodia/pkg/domain-errors"
)

// writeService is the slice of a writer the transport needs. Every specialized
// writer satisfies it through the embedded pipeline driver.
type writeService[T entity.Entity] interface {
	Create(ctx context.Context, incoming T) (T, error)
	Update(ctx context.Context, incoming T) (T, error)
	Delete(ctx context.Context, entityID uuid.UUID, versionTag string, overridePendingChecks, force bool) error
}

// mountResource registers the uniform create/update/delete routes for one
// entity kind. Kind-specific action routes are added by the caller.
func mountResource[T entity.Entity](r chi.Router, svc writeService[T]) {
	r.Post("/", handleCreate(svc))
	r.Put("/{entityID}", handleUpdate(svc))
	r.Delete("/{entityID}", handleDelete(svc))
}

func handleCreate[T entity.Entity](svc writeService[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var incoming T
		if !decodeBody(w, r, &incoming) {
			return
		}
		if isNil(incoming) {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "the request body is empty"))
			return
		}
		created, err := svc.Create(r.Context(), incoming)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleUpdate[T entity.Entity](svc writeService[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(w, r)
		if !ok {
			return
		}
		var incoming T
		if !decodeBody(w, r, &incoming) {
			return
		}
		if isNil(incoming) {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "the request body is empty"))
			return
		}
		if incoming.Meta().ID == uuid.Nil {
			incoming.Meta().ID = entityID
		}
		if incoming.Meta().ID != entityID {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "the body id does not match the path").WithTarget("id"))
			return
		}
		updated, err := svc.Update(r.Context(), incoming)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDelete[T entity.Entity](svc writeService[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		err := svc.Delete(r.Context(), entityID, q.Get("versionTag"),
			q.Get("overridePendingChecks") == "true", q.Get("force") == "true")
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// pathID parses the {entityID} route parameter, answering 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	entityID, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "the entity id is not a valid uuid").WithTarget("id"))
		return uuid.Nil, false
	}
	return entityID, true
}

// decodeBody decodes the JSON request body into v, answering 400 on failure.
// Entities are pointer types, so the decoder allocates the struct itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "the request body is not valid JSON"))
		return false
	}
	return true
}

// versionedAction decodes the shared action request body carrying the
// caller's version tag.
type versionedAction struct {
	VersionTag string `json:"versionTag"`
}

// isNil reports whether a decoded entity value is still the nil pointer, as
// happens when the body is the JSON literal null.
func isNil[T entity.Entity](e T) bool {
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
