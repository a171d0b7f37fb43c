package entity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTripsEveryKind(t *testing.T) {
	entities := []Entity{
		&DataOwner{Base: Base{ID: uuid.New()}, Named: Named{Name: "owner"}},
		&DeleteAgent{Base: Base{ID: uuid.New()}, Named: Named{Name: "agent"}},
		&AssetGroup{Base: Base{ID: uuid.New()}, Qualifier: "AssetType=AzureTable"},
		&SharingRequest{Base: Base{ID: uuid.New()}},
		&VariantRequest{Base: Base{ID: uuid.New()}},
		&TransferRequest{Base: Base{ID: uuid.New()}},
		&VariantDefinition{Base: Base{ID: uuid.New()}, Named: Named{Name: "variant"}},
	}
	for _, e := range entities {
		t.Run(string(e.Kind()), func(t *testing.T) {
			data, err := Encode(e)
			require.NoError(t, err)
			decoded, err := Decode(e.Kind(), data)
			require.NoError(t, err)
			assert.Equal(t, e.Kind(), decoded.Kind())
			assert.Equal(t, e.Meta().ID, decoded.Meta().ID)
		})
	}
}

func TestDecodeUnknownKindFails(t *testing.T) {
	_, err := Decode(Kind("mystery"), []byte(`{}`))
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	owner := &DataOwner{
		Base:  Base{ID: uuid.New(), VersionTag: uuid.NewString()},
		Named: Named{Name: "contoso"},
	}

	clone, err := Clone(owner)
	require.NoError(t, err)

	cloned := clone.(*DataOwner)
	cloned.Name = "mutated"
	assert.Equal(t, "contoso", owner.Name)
	assert.Equal(t, owner.VersionTag, cloned.VersionTag)
}
