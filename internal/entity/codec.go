package entity

import (
	"encoding/json"
	"fmt"
)

// Encode marshals an entity to its stored document form.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode unmarshals a stored document into the concrete type for its kind.
// The kind set is closed; an unknown kind is a storage corruption error.
func Decode(kind Kind, data []byte) (Entity, error) {
	var e Entity
	switch kind {
	case KindDataOwner:
		e = &DataOwner{}
	case KindDeleteAgent:
		e = &DeleteAgent{}
	case KindAssetGroup:
		e = &AssetGroup{}
	case KindSharingRequest:
		e = &SharingRequest{}
	case KindVariantRequest:
		e = &VariantRequest{}
	case KindTransferRequest:
		e = &TransferRequest{}
	case KindVariantDefinition:
		e = &VariantDefinition{}
	default:
		return nil, fmt.Errorf("decode: unknown entity kind %q", kind)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}

// Clone deep-copies an entity through its document form. Stores hand out
// clones so callers can never mutate stored state in place.
func Clone(e Entity) (Entity, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Decode(e.Kind(), data)
}
