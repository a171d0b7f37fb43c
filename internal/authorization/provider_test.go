package authorization_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"custodia/internal/authorization"
	"custodia/internal/directory/mocks"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"
)

type providerFixture struct {
	directory *mocks.MockClient
	provider  *authorization.Provider

	adminGroup   id.SecurityGroupID
	editorGroup  id.SecurityGroupID
	variantGroup id.SecurityGroupID
}

func newProviderFixture(t *testing.T) *providerFixture {
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockClient(ctrl)

	f := &providerFixture{
		directory:    dir,
		adminGroup:   id.SecurityGroupID(uuid.New()),
		editorGroup:  id.SecurityGroupID(uuid.New()),
		variantGroup: id.SecurityGroupID(uuid.New()),
	}
	f.provider = authorization.NewProvider(dir, authorization.Config{
		ServiceAdminGroups:         []id.SecurityGroupID{f.adminGroup},
		VariantEditorGroups:        []id.SecurityGroupID{f.variantGroup},
		VariantEditorApplicationID: "variant-pipeline",
	})
	return f
}

func (f *providerFixture) memberOf(groups ...id.SecurityGroupID) {
	f.directory.EXPECT().
		SecurityGroupIDs(gomock.Any(), gomock.Any(), false).
		Return(groups, nil)
}

func ownersWith(records ...authorization.OwnerRecord) authorization.OwnersFunc {
	return func(context.Context) ([]authorization.OwnerRecord, error) {
		return records, nil
	}
}

func TestAuthorizeEditorViaWriteSecurityGroup(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf(f.editorGroup)

	err := f.provider.Authorize(testutil.UserContext("u1", "alice"), authorization.RoleServiceEditor,
		ownersWith(authorization.OwnerRecord{WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup}}))
	assert.NoError(t, err)
}

func TestAuthorizeDeniesNonMember(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf()

	err := f.provider.Authorize(testutil.UserContext("u1", "mallory"), authorization.RoleServiceEditor,
		ownersWith(authorization.OwnerRecord{WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup}}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestServiceAdminBypassesOwnerScope(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf(f.adminGroup)

	// Linked owners are never consulted for an admin.
	err := f.provider.Authorize(testutil.UserContext("u1", "root"), authorization.RoleServiceEditor,
		func(context.Context) ([]authorization.OwnerRecord, error) {
			return nil, errors.New("owners must not be consulted for an admin")
		})
	assert.NoError(t, err)
}

func TestServiceTreeAdminGrantsEditor(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf()

	err := f.provider.Authorize(testutil.UserContext("u1", "alice"), authorization.RoleServiceEditor,
		ownersWith(authorization.OwnerRecord{
			WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup},
			ServiceAdmins:       []string{"ALICE"},
		}))
	assert.NoError(t, err, "service admin matching is case insensitive")
}

func TestServiceTreeAdminOnlyRequirement(t *testing.T) {
	f := newProviderFixture(t)

	t.Run("listed admin is granted", func(t *testing.T) {
		f.memberOf()
		err := f.provider.Authorize(testutil.UserContext("u1", "alice"), authorization.RoleServiceTreeAdmin,
			ownersWith(authorization.OwnerRecord{
				WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup},
				ServiceAdmins:       []string{"alice"},
			}))
		assert.NoError(t, err)
	})

	t.Run("write group membership alone is not enough", func(t *testing.T) {
		f.memberOf(f.editorGroup)
		err := f.provider.Authorize(testutil.UserContext("u1", "bob"), authorization.RoleServiceTreeAdmin,
			ownersWith(authorization.OwnerRecord{
				WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup},
				ServiceAdmins:       []string{"alice"},
			}))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func TestAllLinkedOwnersMustGrant(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf(f.editorGroup)

	otherGroup := id.SecurityGroupID(uuid.New())
	err := f.provider.Authorize(testutil.UserContext("u1", "alice"), authorization.RoleServiceEditor,
		ownersWith(
			authorization.OwnerRecord{WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup}},
			authorization.OwnerRecord{WriteSecurityGroups: []id.SecurityGroupID{otherGroup}},
		))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestNilOwnersBypassesOwnerScope(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf()

	err := f.provider.Authorize(testutil.UserContext("u1", "alice"), authorization.RoleServiceEditor,
		func(context.Context) ([]authorization.OwnerRecord, error) { return nil, nil })
	assert.NoError(t, err, "nil records defer the failure to property validation")
}

func TestVariantEditorGroupSatisfiesScopedRequirement(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf(f.variantGroup)

	err := f.provider.Authorize(testutil.UserContext("u1", "alice"),
		authorization.RoleServiceEditor|authorization.RoleVariantEditor,
		ownersWith(authorization.OwnerRecord{WriteSecurityGroups: []id.SecurityGroupID{f.editorGroup}}))
	assert.NoError(t, err)
}

func TestNoCachedGroupsForcesRefresh(t *testing.T) {
	f := newProviderFixture(t)
	f.directory.EXPECT().
		SecurityGroupIDs(gomock.Any(), gomock.Any(), true).
		Return([]id.SecurityGroupID{f.adminGroup}, nil)

	err := f.provider.Authorize(testutil.UserContext("u1", "alice"),
		authorization.RoleServiceEditor|authorization.RoleNoCachedSecurityGroups, nil)
	assert.NoError(t, err)
}

func TestApplicationPrincipal(t *testing.T) {
	f := newProviderFixture(t)

	t.Run("denied without application access", func(t *testing.T) {
		err := f.provider.Authorize(testutil.ApplicationContext("some-app"),
			authorization.RoleServiceEditor, nil)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("allowed when operation grants application access", func(t *testing.T) {
		err := f.provider.Authorize(testutil.ApplicationContext("some-app"),
			authorization.RoleServiceEditor|authorization.RoleApplicationAccess, nil)
		assert.NoError(t, err)
	})

	t.Run("registered variant editor application", func(t *testing.T) {
		err := f.provider.Authorize(testutil.ApplicationContext("Variant-Pipeline"),
			authorization.RoleVariantEditor, nil)
		assert.NoError(t, err)
	})
}

func TestDirectoryFailureIsNotForbidden(t *testing.T) {
	f := newProviderFixture(t)
	f.directory.EXPECT().
		SecurityGroupIDs(gomock.Any(), gomock.Any(), false).
		Return(nil, errors.New("directory unavailable"))

	ok, err := f.provider.TryAuthorize(testutil.UserContext("u1", "alice"),
		authorization.RoleServiceEditor, nil)
	require.Error(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestTryAuthorizeReportsForbiddenAsFalse(t *testing.T) {
	f := newProviderFixture(t)
	f.memberOf()

	ok, err := f.provider.TryAuthorize(testutil.UserContext("u1", "mallory"),
		authorization.RoleIncidentManager, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
