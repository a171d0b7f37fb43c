package httptransport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/agent"
	"custodia/internal/assetgroup"
	"custodia/internal/entity"
	"custodia/internal/owner"
	"custodia/internal/sharingrequest"
	"custodia/internal/transferrequest"
	"custodia/internal/variantdefinition"
	"custodia/internal/variantrequest"
	id "custodia/pkg/domain"
	"custodia/pkg/requestcontext"
	"custodia/pkg/testutil"
)

type apiFixture struct {
	world   *testutil.World
	handler http.Handler
	group   id.SecurityGroupID
}

// testPrincipal simulates the auth middleware: the X-Test-User header becomes
// the authenticated principal.
func testPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r = testutil.WithPrincipal(r, requestcontext.AuthenticatedPrincipal{UserID: user, UserAlias: user})
		next.ServeHTTP(w, r)
	})
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	world := testutil.NewWorld()
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	relationships := assetgroup.NewRelationshipManager(world.AssetGroups, world.Agents, world.Owners, world.Sharing, world.Store, world.Authz)
	writers := Writers{
		Owners:      owner.NewWriter(world.Owners, world.Store, world.Directory, world.Authz),
		Agents:      agent.NewWriter(world.Agents, world.Owners, world.Store, world.Authz, nil, nil),
		AssetGroups: assetgroup.NewWriter(world.AssetGroups, world.Owners, world.Store, relationships, world.Authz),
		Sharing:     sharingrequest.NewWriter(world.Sharing, world.AssetGroups, world.Agents, world.Owners, world.Store, world.Authz),
		Variants:    variantrequest.NewWriter(world.Variants, world.AssetGroups, world.Owners, world.Definitions, world.Store, nil, world.Authz),
		Transfers:   transferrequest.NewWriter(world.Transfers, world.AssetGroups, world.Owners, world.Store, world.Authz),
		Definitions: variantdefinition.NewWriter(world.Definitions, world.Store, world.Authz),
	}

	return &apiFixture{
		world:   world,
		handler: NewRouter(writers, testPrincipal),
		group:   group,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeOwner(t *testing.T, rec *httptest.ResponseRecorder) *entity.DataOwner {
	t.Helper()
	var o entity.DataOwner
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	return &o
}

func (f *apiFixture) createOwner(t *testing.T, name string) *entity.DataOwner {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v2/dataOwners", "alice", map[string]any{
		"name":                name,
		"alertContacts":       []string{"payments-oncall@contoso.test"},
		"writeSecurityGroups": []string{f.group.String()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeOwner(t, rec)
}

func TestCreateOwnerEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	created := f.createOwner(t, "Payments Platform")
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.NotEmpty(t, created.VersionTag)
	assert.Nil(t, created.Tracking, "tracking is server-managed and never returned")
}

func TestCreateRequiresPrincipal(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v2/dataOwners", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDuplicateOwnerNameConflicts(t *testing.T) {
	f := newAPIFixture(t)
	f.createOwner(t, "Payments Platform")

	rec := f.do(t, http.MethodPost, "/api/v2/dataOwners", "alice", map[string]any{
		"name":                "payments platform",
		"alertContacts":       []string{"payments-oncall@contoso.test"},
		"writeSecurityGroups": []string{f.group.String()},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "already_exists", envelope.Error.Code)
}

func TestUpdateStaleTagIsPreconditionFailed(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOwner(t, "Payments Platform")

	created.VersionTag = uuid.NewString()
	created.Description = "renamed"
	rec := f.do(t, http.MethodPut, "/api/v2/dataOwners/"+created.ID.String(), "alice", created)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code, rec.Body.String())
}

func TestUpdateBodyPathMismatch(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOwner(t, "Payments Platform")

	rec := f.do(t, http.MethodPut, "/api/v2/dataOwners/"+uuid.NewString(), "alice", created)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteOwnerEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOwner(t, "Payments Platform")

	path := fmt.Sprintf("/api/v2/dataOwners/%s?versionTag=%s", created.ID, created.VersionTag)
	rec := f.do(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestDeleteUnknownOwnerIsNotFound(t *testing.T) {
	f := newAPIFixture(t)

	path := fmt.Sprintf("/api/v2/dataOwners/%s?versionTag=%s", uuid.NewString(), uuid.NewString())
	rec := f.do(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedIDRejected(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/v2/dataOwners/not-a-uuid", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForbiddenWriteIsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOwner(t, "Payments Platform")

	created.Description = "changed"
	rec := f.do(t, http.MethodPut, "/api/v2/dataOwners/"+created.ID.String(), "mallory", created)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestRemoveVariantsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.world.Directory.AddMember("editor", f.world.EditorGroup)
	created := f.createOwner(t, "Payments Platform")

	variantID := id.VariantDefinitionID(uuid.New())
	seeded, err := f.world.Seed(testutil.UserContext("alice", "alice"), &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   id.OwnerID(created.ID),
		Qualifier: "AssetType=AzureTable;AccountName=payments",
		Variants: []entity.AssetGroupVariant{
			{VariantID: variantID, State: entity.VariantStateApproved},
		},
	})
	require.NoError(t, err)
	group := seeded[0].(*entity.AssetGroup)

	rec := f.do(t, http.MethodPost, "/api/v2/assetGroups/"+group.ID.String()+"/removeVariants", "editor",
		map[string]any{
			"versionTag": group.VersionTag,
			"variantIds": []string{variantID.String()},
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated entity.AssetGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Empty(t, updated.Variants)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
