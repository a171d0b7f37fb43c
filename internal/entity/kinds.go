package entity

// Kind identifies one of the known entity kinds. The set is closed: storage,
// readers, and the write pipeline all dispatch over it exhaustively.
type Kind string

const (
	KindDataOwner         Kind = "data_owner"
	KindDeleteAgent       Kind = "delete_agent"
	KindAssetGroup        Kind = "asset_group"
	KindSharingRequest    Kind = "sharing_request"
	KindVariantRequest    Kind = "variant_request"
	KindTransferRequest   Kind = "transfer_request"
	KindVariantDefinition Kind = "variant_definition"
)

// Kinds returns every known entity kind.
func Kinds() []Kind {
	return []Kind{
		KindDataOwner,
		KindDeleteAgent,
		KindAssetGroup,
		KindSharingRequest,
		KindVariantRequest,
		KindTransferRequest,
		KindVariantDefinition,
	}
}

// WriteAction classifies a storage mutation. SoftDelete is a tracked update
// that sets the delete flag; HardDelete is reserved for history compaction and
// never flows through the write pipeline.
type WriteAction string

const (
	WriteActionCreate     WriteAction = "create"
	WriteActionUpdate     WriteAction = "update"
	WriteActionSoftDelete WriteAction = "soft_delete"
	WriteActionHardDelete WriteAction = "hard_delete"
)

// ExpandOptions controls which server-managed blocks a read returns.
type ExpandOptions int

const (
	// ExpandNone returns the entity without server-managed metadata.
	ExpandNone ExpandOptions = 0
	// ExpandWriteProperties includes the tracking block, required before any
	// mutation of the returned value.
	ExpandWriteProperties ExpandOptions = 1 << iota
)

// Has reports whether the option set includes opt.
func (o ExpandOptions) Has(opt ExpandOptions) bool { return o&opt == opt }
