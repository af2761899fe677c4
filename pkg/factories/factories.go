// Package factories maps hub wire messages and events onto persistence
// records. Every factory is a pure function returning nil when the input is
// not the type it handles.
package factories

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/graphwatch/graphwatch/pkg/types"
)

// FarcasterEpoch is the network epoch: message timestamps count seconds from
// 2021-01-01T00:00:00Z (unix 1609459200).
const FarcasterEpoch int64 = 1609459200

// FromNetworkTime converts a network-epoch timestamp to a UTC instant
func FromNetworkTime(ts uint32) time.Time {
	return time.Unix(FarcasterEpoch+int64(ts), 0).UTC()
}

// ToNetworkTime converts a UTC instant to a network-epoch timestamp
func ToNetworkTime(t time.Time) uint32 {
	return uint32(t.Unix() - FarcasterEpoch)
}

// NormalizeHash lowercases a hex hash and strips any 0x prefix
func NormalizeHash(h string) string {
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	return strings.ToLower(h)
}

// HashFromBytes renders a raw hash as lowercase hex
func HashFromBytes(b []byte) string {
	return hex.EncodeToString(b)
}

var userDataNumeric = map[int64]types.UserDataType{
	1:  types.UserDataTypePfp,
	2:  types.UserDataTypeDisplay,
	3:  types.UserDataTypeBio,
	5:  types.UserDataTypeURL,
	6:  types.UserDataTypeUsername,
	7:  types.UserDataTypeLocation,
	8:  types.UserDataTypeTwitter,
	9:  types.UserDataTypeGithub,
	10: types.UserDataTypeBanner,
	11: types.UserDataTypeEthereumAddress,
	12: types.UserDataTypeSolanaAddress,
}

var userDataStrings = map[string]types.UserDataType{
	"USER_DATA_TYPE_PFP":              types.UserDataTypePfp,
	"USER_DATA_TYPE_DISPLAY":          types.UserDataTypeDisplay,
	"USER_DATA_TYPE_BIO":              types.UserDataTypeBio,
	"USER_DATA_TYPE_URL":              types.UserDataTypeURL,
	"USER_DATA_TYPE_USERNAME":         types.UserDataTypeUsername,
	"USER_DATA_TYPE_LOCATION":         types.UserDataTypeLocation,
	"USER_DATA_TYPE_TWITTER":          types.UserDataTypeTwitter,
	"USER_DATA_TYPE_GITHUB":           types.UserDataTypeGithub,
	"USER_DATA_TYPE_BANNER":           types.UserDataTypeBanner,
	"USER_DATA_TYPE_ETHEREUM_ADDRESS": types.UserDataTypeEthereumAddress,
	"USER_DATA_TYPE_SOLANA_ADDRESS":   types.UserDataTypeSolanaAddress,
}

// UserDataTypeFromEnum maps either enum form onto the compact string set
func UserDataTypeFromEnum(v types.EnumValue) (types.UserDataType, bool) {
	if v.Str != "" {
		t, ok := userDataStrings[v.Str]
		return t, ok
	}
	t, ok := userDataNumeric[v.Num]
	return t, ok
}

// ReactionTypeFromEnum maps either enum form onto like/recast
func ReactionTypeFromEnum(v types.EnumValue) (types.ReactionType, bool) {
	switch {
	case v.Str == "REACTION_TYPE_LIKE" || (v.Str == "" && v.Num == 1):
		return types.ReactionTypeLike, true
	case v.Str == "REACTION_TYPE_RECAST" || (v.Str == "" && v.Num == 2):
		return types.ReactionTypeRecast, true
	}
	return "", false
}

// protocolFromEnum maps the verification protocol enum. Only ethereum is
// tracked; the numeric zero value is the ethereum default on the wire.
func protocolFromEnum(v types.EnumValue) (types.Protocol, bool) {
	if v.Str == "PROTOCOL_ETHEREUM" || (v.Str == "" && v.Num == 0) {
		return types.ProtocolEthereum, true
	}
	return "", false
}

// CastFromMessage builds a Cast record from a CAST_ADD message, or nil
func CastFromMessage(m *types.Message) *types.Cast {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeCastAdd || m.Data.CastAddBody == nil {
		return nil
	}
	body := m.Data.CastAddBody

	cast := &types.Cast{
		Hash:              NormalizeHash(m.Hash),
		Fid:               m.Data.Fid,
		Text:              body.Text,
		Timestamp:         FromNetworkTime(m.Data.Timestamp),
		Mentions:          body.Mentions,
		MentionsPositions: body.MentionsPositions,
	}

	if body.ParentCastID != nil {
		parentHash := NormalizeHash(body.ParentCastID.Hash)
		parentFid := body.ParentCastID.Fid
		cast.ParentHash = &parentHash
		cast.ParentFid = &parentFid
	} else if body.ParentURL != "" {
		parentURL := body.ParentURL
		cast.ParentURL = &parentURL
	}

	if len(body.Embeds) > 0 {
		if b, err := json.Marshal(body.Embeds); err == nil {
			cast.Embeds = b
		}
	}
	return cast
}

// ReactionFromMessage builds a Reaction record from a REACTION_ADD message,
// or nil
func ReactionFromMessage(m *types.Message) *types.Reaction {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeReactionAdd || m.Data.ReactionBody == nil {
		return nil
	}
	body := m.Data.ReactionBody

	rt, ok := ReactionTypeFromEnum(body.Type)
	if !ok {
		return nil
	}

	reaction := &types.Reaction{
		Hash:      NormalizeHash(m.Hash),
		Fid:       m.Data.Fid,
		Type:      rt,
		Timestamp: FromNetworkTime(m.Data.Timestamp),
	}

	if body.TargetCastID != nil {
		targetHash := NormalizeHash(body.TargetCastID.Hash)
		targetFid := body.TargetCastID.Fid
		reaction.TargetHash = &targetHash
		reaction.TargetFid = &targetFid
	} else if body.TargetURL != "" {
		targetURL := body.TargetURL
		reaction.TargetURL = &targetURL
	}
	return reaction
}

// LinkFromMessage builds a Link record from a LINK_ADD message of type
// follow, or nil
func LinkFromMessage(m *types.Message) *types.Link {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeLinkAdd || m.Data.LinkBody == nil {
		return nil
	}
	body := m.Data.LinkBody
	if body.Type != string(types.LinkTypeFollow) {
		return nil
	}

	return &types.Link{
		Hash:      NormalizeHash(m.Hash),
		Fid:       m.Data.Fid,
		TargetFid: body.TargetFid,
		Type:      types.LinkTypeFollow,
		Timestamp: FromNetworkTime(m.Data.Timestamp),
	}
}

// VerificationFromMessage builds a Verification record from a
// VERIFICATION_ADD_ETH_ADDRESS message, or nil
func VerificationFromMessage(m *types.Message) *types.Verification {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeVerificationAdd || m.Data.VerificationAddBody == nil {
		return nil
	}
	body := m.Data.VerificationAddBody

	protocol, ok := protocolFromEnum(body.Protocol)
	if !ok {
		return nil
	}

	v := &types.Verification{
		Hash:      NormalizeHash(m.Hash),
		Fid:       m.Data.Fid,
		Address:   strings.ToLower(body.Address),
		Protocol:  protocol,
		Timestamp: FromNetworkTime(m.Data.Timestamp),
	}
	if body.BlockHash != "" {
		blockHash := NormalizeHash(body.BlockHash)
		v.BlockHash = &blockHash
	}
	return v
}

// UserDataFromMessage builds a UserData record from a USER_DATA_ADD message,
// or nil
func UserDataFromMessage(m *types.Message) *types.UserData {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeUserDataAdd || m.Data.UserDataBody == nil {
		return nil
	}
	body := m.Data.UserDataBody

	t, ok := UserDataTypeFromEnum(body.Type)
	if !ok {
		return nil
	}

	return &types.UserData{
		Hash:      NormalizeHash(m.Hash),
		Fid:       m.Data.Fid,
		Type:      t,
		Value:     body.Value,
		Timestamp: FromNetworkTime(m.Data.Timestamp),
	}
}

// UsernameProofFromMessage builds a UsernameProof record from a
// USERNAME_PROOF message, or nil
func UsernameProofFromMessage(m *types.Message) *types.UsernameProof {
	if m == nil || m.Data == nil || m.Data.Type != types.MessageTypeUsernameProof || m.Data.UsernameProofBody == nil {
		return nil
	}
	body := m.Data.UsernameProofBody

	return &types.UsernameProof{
		Hash:      NormalizeHash(m.Hash),
		Fid:       body.Fid,
		Name:      body.Name,
		Owner:     strings.ToLower(body.Owner),
		Signature: NormalizeHash(body.Signature),
		Timestamp: FromNetworkTime(m.Data.Timestamp),
	}
}

// UsernameProofFromProof builds a UsernameProof record from the proof shape
// returned by the proofsByFid endpoint. Proofs carry no message hash, so the
// row key is derived deterministically from the proof contents.
func UsernameProofFromProof(p *types.UsernameProofBody) *types.UsernameProof {
	if p == nil || p.Name == "" {
		return nil
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d", p.Fid, p.Name, NormalizeHash(p.Owner), p.Timestamp)))

	return &types.UsernameProof{
		Hash:      hex.EncodeToString(sum[:20]),
		Fid:       p.Fid,
		Name:      p.Name,
		Owner:     strings.ToLower(p.Owner),
		Signature: NormalizeHash(p.Signature),
		Timestamp: time.Unix(int64(p.Timestamp), 0).UTC(),
	}
}

// OnChainEventFromHub builds an OnChainEvent record from the wire event, or
// nil. Exactly one of the four body columns is populated, matching the event
// type.
func OnChainEventFromHub(e *types.HubOnChainEvent) *types.OnChainEvent {
	if e == nil || e.Type == "" {
		return nil
	}

	rec := &types.OnChainEvent{
		Type:            e.Type,
		ChainID:         e.ChainID,
		BlockNumber:     e.BlockNumber,
		BlockHash:       NormalizeHash(e.BlockHash),
		BlockTimestamp:  time.Unix(int64(e.BlockTimestamp), 0).UTC(),
		TransactionHash: NormalizeHash(e.TransactionHash),
		LogIndex:        e.LogIndex,
		Fid:             e.Fid,
	}

	marshal := func(v any) []byte {
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}

	switch e.Type {
	case types.OnChainEventTypeSigner:
		if e.SignerEventBody == nil {
			return nil
		}
		rec.SignerEventBody = marshal(e.SignerEventBody)
	case types.OnChainEventTypeIDRegister:
		if e.IDRegisterEventBody == nil {
			return nil
		}
		rec.IDRegistryEventBody = marshal(e.IDRegisterEventBody)
	case types.OnChainEventTypeKeyAdmin:
		if e.KeyRegistryEventBody == nil {
			return nil
		}
		rec.KeyRegistryEvent = marshal(e.KeyRegistryEventBody)
	case types.OnChainEventTypeStorage:
		if e.StorageRentEventBody == nil {
			return nil
		}
		rec.StorageRentEvent = marshal(e.StorageRentEventBody)
	default:
		return nil
	}
	return rec
}
