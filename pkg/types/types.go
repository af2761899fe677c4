package types

import (
	"time"
)

// Target is the unit of interest: an FID whose messages (and messages about
// it) are mirrored into the store. Root targets additionally seed the target
// set through their follow graph.
type Target struct {
	Fid          uint64
	IsRoot       bool
	AddedAt      time.Time
	LastSyncedAt *time.Time // nil until the initial backfill completes
}

// TargetClient is an FID whose on-chain signer-key additions announce new
// root targets.
type TargetClient struct {
	Fid     uint64
	AddedAt time.Time
}

// SyncState is a durable named cursor into the hub event stream.
type SyncState struct {
	Name         string
	LastEventID  *uint64
	LastSyncedAt *time.Time
}

// ReactionType classifies a reaction message
type ReactionType string

const (
	ReactionTypeLike   ReactionType = "like"
	ReactionTypeRecast ReactionType = "recast"
)

// LinkType classifies a link message. Only follows are tracked.
type LinkType string

const (
	LinkTypeFollow LinkType = "follow"
)

// Protocol identifies the chain an address verification refers to
type Protocol string

const (
	ProtocolEthereum Protocol = "ethereum"
)

// UserDataType is the compact string form of a user-data field kind.
// The numeric and string enums of the hub wire format both map onto this
// closed set.
type UserDataType string

const (
	UserDataTypePfp             UserDataType = "pfp"
	UserDataTypeDisplay         UserDataType = "display"
	UserDataTypeBio             UserDataType = "bio"
	UserDataTypeUsername        UserDataType = "username"
	UserDataTypeURL             UserDataType = "url"
	UserDataTypeLocation        UserDataType = "location"
	UserDataTypeTwitter         UserDataType = "twitter"
	UserDataTypeGithub          UserDataType = "github"
	UserDataTypeBanner          UserDataType = "banner"
	UserDataTypeEthereumAddress UserDataType = "ethereum_address"
	UserDataTypeSolanaAddress   UserDataType = "solana_address"
)

// Cast is an authored message. Replies carry one of the parent references.
type Cast struct {
	Hash              string
	Fid               uint64
	Text              string
	ParentHash        *string
	ParentFid         *uint64
	ParentURL         *string
	Timestamp         time.Time
	Embeds            []byte // opaque JSON
	Mentions          []uint64
	MentionsPositions []uint32
	CreatedAt         time.Time
}

// Reaction is a like or recast of a cast (or URL).
type Reaction struct {
	Hash       string
	Fid        uint64
	Type       ReactionType
	TargetHash *string
	TargetFid  *uint64
	TargetURL  *string
	Timestamp  time.Time
	CreatedAt  time.Time
}

// Link is a directed follow edge. A row represents an active follow;
// follow-remove events delete the matching row.
type Link struct {
	Hash      string
	Fid       uint64
	TargetFid uint64
	Type      LinkType
	Timestamp time.Time
	CreatedAt time.Time
}

// Verification associates an external address with an FID.
type Verification struct {
	Hash      string
	Fid       uint64
	Address   string
	Protocol  Protocol
	BlockHash *string
	Timestamp time.Time
	CreatedAt time.Time
}

// UserData is a single profile field value. The canonical profile takes the
// latest-timestamp value per (fid, type).
type UserData struct {
	Hash      string
	Fid       uint64
	Type      UserDataType
	Value     string
	Timestamp time.Time
	CreatedAt time.Time
}

// UsernameProof records a name-ownership proof.
type UsernameProof struct {
	Hash      string
	Fid       uint64
	Name      string
	Owner     string
	Signature string
	Timestamp time.Time
	CreatedAt time.Time
}

// OnChainEvent mirrors a chain event observed by the hub. Exactly one of the
// four body fields is populated, matching Type.
type OnChainEvent struct {
	ID                  uint64
	Type                string
	ChainID             uint64
	BlockNumber         uint64
	BlockHash           string
	BlockTimestamp      time.Time
	TransactionHash     string
	LogIndex            uint32
	Fid                 uint64
	SignerEventBody     []byte
	IDRegistryEventBody []byte
	KeyRegistryEvent    []byte
	StorageRentEvent    []byte
	CreatedAt           time.Time
}

// Profile is the materialized per-user view over user_data.
type Profile struct {
	Fid             uint64
	Username        *string
	DisplayName     *string
	Pfp             *string
	Bio             *string
	URL             *string
	Location        *string
	Twitter         *string
	Github          *string
	Banner          *string
	EthereumAddress *string
	SolanaAddress   *string
	UpdatedAt       time.Time
}
