// Package httptransport is the thin HTTP layer over the entity writers. It
// decodes requests, delegates, and translates domain errors to status codes;
// no business rule lives here.
package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodia/internal/agent"
	"custodia/internal/assetgroup"
	"custodia/internal/entity"
	"custodia/internal/owner"
	"custodia/internal/sharingrequest"
	"custodia/internal/transferrequest"
	"custodia/internal/variantdefinition"
	"custodia/internal/variantrequest"
	id "custodia/pkg/domain"
	"custodia/pkg/platform/middleware/metadata"
	"custodia/pkg/platform/middleware/requesttime"
)

// Writers bundles the per-kind write services the router exposes.
type Writers struct {
	Owners      *owner.Writer
	Agents      *agent.Writer
	AssetGroups *assetgroup.Writer
	Sharing     *sharingrequest.Writer
	Variants    *variantrequest.Writer
	Transfers   *transferrequest.Writer
	Definitions *variantdefinition.Writer
}

// NewRouter wires the write API. The principal middleware is passed in so
// tests can substitute their own.
func NewRouter(writers Writers, principal func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v2", func(r chi.Router) {
		if principal != nil {
			r.Use(principal)
		}

		r.Route("/dataOwners", func(r chi.Router) {
			mountResource[*entity.DataOwner](r, writers.Owners)
			r.Post("/{entityID}/replaceServiceTree", handleReplaceServiceTree(writers.Owners))
		})
		r.Route("/deleteAgents", func(r chi.Router) {
			mountResource[*entity.DeleteAgent](r, writers.Agents)
		})
		r.Route("/assetGroups", func(r chi.Router) {
			mountResource[*entity.AssetGroup](r, writers.AssetGroups)
			r.Post("/agentRelationships", handleAgentRelationships(writers.AssetGroups))
			r.Post("/{entityID}/removeVariants", handleRemoveVariants(writers.AssetGroups))
		})
		r.Route("/sharingRequests", func(r chi.Router) {
			mountResource[*entity.SharingRequest](r, writers.Sharing)
			r.Post("/{entityID}/approve", handleApproveSharing(writers.Sharing))
		})
		r.Route("/variantRequests", func(r chi.Router) {
			mountResource[*entity.VariantRequest](r, writers.Variants)
			r.Post("/{entityID}/approve", handleApproveVariant(writers.Variants))
		})
		r.Route("/transferRequests", func(r chi.Router) {
			mountResource[*entity.TransferRequest](r, writers.Transfers)
			r.Post("/{entityID}/approve", handleApproveTransfer(writers.Transfers))
		})
		r.Route("/variantDefinitions", func(r chi.Router) {
			mountResource[*entity.VariantDefinition](r, writers.Definitions)
		})
	})

	return r
}

func handleReplaceServiceTree(w *owner.Writer) http.HandlerFunc {
	type request struct {
		versionedAction
		ServiceTreeID id.ServiceTreeID        `json:"serviceTreeId"`
		Level         entity.ServiceTreeLevel `json:"level"`
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(rw, r)
		if !ok {
			return
		}
		var req request
		if !decodeBody(rw, r, &req) {
			return
		}
		replaced, err := w.ReplaceServiceTree(r.Context(), id.OwnerID(entityID), req.VersionTag, req.ServiceTreeID, req.Level)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, replaced)
	}
}

func handleAgentRelationships(w *assetgroup.Writer) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var params assetgroup.ApplyParameters
		if !decodeBody(rw, r, &params) {
			return
		}
		result, err := w.ApplyAgentRelationships(r.Context(), params)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, result)
	}
}

func handleRemoveVariants(w *assetgroup.Writer) http.HandlerFunc {
	type request struct {
		versionedAction
		VariantIDs []id.VariantDefinitionID `json:"variantIds"`
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(rw, r)
		if !ok {
			return
		}
		var req request
		if !decodeBody(rw, r, &req) {
			return
		}
		updated, err := w.RemoveVariants(r.Context(), id.AssetGroupID(entityID), req.VersionTag, req.VariantIDs)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, updated)
	}
}

func handleApproveSharing(w *sharingrequest.Writer) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(rw, r)
		if !ok {
			return
		}
		var req versionedAction
		if !decodeBody(rw, r, &req) {
			return
		}
		if err := w.Approve(r.Context(), id.SharingRequestID(entityID), req.VersionTag); err != nil {
			writeError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func handleApproveVariant(w *variantrequest.Writer) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(rw, r)
		if !ok {
			return
		}
		var req versionedAction
		if !decodeBody(rw, r, &req) {
			return
		}
		if err := w.Approve(r.Context(), id.VariantRequestID(entityID), req.VersionTag); err != nil {
			writeError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func handleApproveTransfer(w *transferrequest.Writer) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		entityID, ok := pathID(rw, r)
		if !ok {
			return
		}
		var req versionedAction
		if !decodeBody(rw, r, &req) {
			return
		}
		if err := w.Approve(r.Context(), id.TransferRequestID(entityID), req.VersionTag); err != nil {
			writeError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}
