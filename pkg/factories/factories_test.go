package factories

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkTimeConversion(t *testing.T) {
	// Zero network time is the epoch itself
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), FromNetworkTime(0))

	ts := uint32(140000000)
	instant := FromNetworkTime(ts)
	assert.Equal(t, ts, ToNetworkTime(instant))
	assert.Equal(t, int64(FarcasterEpoch+140000000), instant.Unix())
}

func TestNormalizeHash(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"0xAABBCC", "aabbcc"},
		{"0Xdeadbeef", "deadbeef"},
		{"aabbcc", "aabbcc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeHash(tt.input))
	}
}

func castAddMessage() *types.Message {
	return &types.Message{
		Hash: "0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa",
		Data: &types.MessageData{
			Type:      types.MessageTypeCastAdd,
			Fid:       12,
			Timestamp: 140000000,
			CastAddBody: &types.CastAddBody{
				Text:              "hi",
				ParentCastID:      &types.CastID{Fid: 226, Hash: "0xBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbb"},
				Mentions:          []uint64{3, 7},
				MentionsPositions: []uint32{0, 3},
				Embeds:            []types.Embed{{URL: "https://example.com"}},
			},
		},
	}
}

func TestCastFromMessage(t *testing.T) {
	cast := CastFromMessage(castAddMessage())
	require.NotNil(t, cast)

	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", cast.Hash)
	assert.Equal(t, uint64(12), cast.Fid)
	assert.Equal(t, "hi", cast.Text)
	require.NotNil(t, cast.ParentHash)
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", *cast.ParentHash)
	require.NotNil(t, cast.ParentFid)
	assert.Equal(t, uint64(226), *cast.ParentFid)
	assert.Nil(t, cast.ParentURL)
	assert.Equal(t, FromNetworkTime(140000000), cast.Timestamp)
	assert.Equal(t, []uint64{3, 7}, cast.Mentions)
	assert.NotEmpty(t, cast.Embeds)
}

func TestCastFromMessageWrongType(t *testing.T) {
	m := castAddMessage()
	m.Data.Type = types.MessageTypeReactionAdd
	assert.Nil(t, CastFromMessage(m))

	assert.Nil(t, CastFromMessage(nil))
	assert.Nil(t, CastFromMessage(&types.Message{Hash: "0xaa"}))
}

func TestReactionFromMessage(t *testing.T) {
	m := &types.Message{
		Hash: "0xcc",
		Data: &types.MessageData{
			Type:      types.MessageTypeReactionAdd,
			Fid:       5,
			Timestamp: 1000,
			ReactionBody: &types.ReactionBody{
				Type:         types.EnumValue{Str: "REACTION_TYPE_LIKE"},
				TargetCastID: &types.CastID{Fid: 12, Hash: "0xdd"},
			},
		},
	}

	r := ReactionFromMessage(m)
	require.NotNil(t, r)
	assert.Equal(t, types.ReactionTypeLike, r.Type)
	require.NotNil(t, r.TargetFid)
	assert.Equal(t, uint64(12), *r.TargetFid)

	// Numeric enum decodes to the same compact type
	m.Data.ReactionBody.Type = types.EnumValue{Num: 2}
	r = ReactionFromMessage(m)
	require.NotNil(t, r)
	assert.Equal(t, types.ReactionTypeRecast, r.Type)

	// Wrong message type
	m.Data.Type = types.MessageTypeCastAdd
	assert.Nil(t, ReactionFromMessage(m))
}

func TestLinkFromMessage(t *testing.T) {
	m := &types.Message{
		Hash: "0xee",
		Data: &types.MessageData{
			Type:      types.MessageTypeLinkAdd,
			Fid:       1,
			Timestamp: 2000,
			LinkBody:  &types.LinkBody{Type: "follow", TargetFid: 2},
		},
	}

	link := LinkFromMessage(m)
	require.NotNil(t, link)
	assert.Equal(t, uint64(1), link.Fid)
	assert.Equal(t, uint64(2), link.TargetFid)
	assert.Equal(t, types.LinkTypeFollow, link.Type)

	// Untracked link types map to nothing
	m.Data.LinkBody.Type = "block"
	assert.Nil(t, LinkFromMessage(m))
}

func TestUserDataTypeMapping(t *testing.T) {
	tests := []struct {
		enum types.EnumValue
		want types.UserDataType
		ok   bool
	}{
		{types.EnumValue{Str: "USER_DATA_TYPE_PFP"}, types.UserDataTypePfp, true},
		{types.EnumValue{Str: "USER_DATA_TYPE_USERNAME"}, types.UserDataTypeUsername, true},
		{types.EnumValue{Num: 1}, types.UserDataTypePfp, true},
		{types.EnumValue{Num: 2}, types.UserDataTypeDisplay, true},
		{types.EnumValue{Num: 3}, types.UserDataTypeBio, true},
		{types.EnumValue{Num: 5}, types.UserDataTypeURL, true},
		{types.EnumValue{Num: 6}, types.UserDataTypeUsername, true},
		{types.EnumValue{Num: 11}, types.UserDataTypeEthereumAddress, true},
		{types.EnumValue{Num: 12}, types.UserDataTypeSolanaAddress, true},
		{types.EnumValue{Num: 4}, "", false},
		{types.EnumValue{Str: "USER_DATA_TYPE_UNKNOWN"}, "", false},
	}
	for _, tt := range tests {
		got, ok := UserDataTypeFromEnum(tt.enum)
		assert.Equal(t, tt.ok, ok)
		if tt.ok {
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestUserDataFromMessage(t *testing.T) {
	m := &types.Message{
		Hash: "0xff",
		Data: &types.MessageData{
			Type:      types.MessageTypeUserDataAdd,
			Fid:       12,
			Timestamp: 3000,
			UserDataBody: &types.UserDataBody{
				Type:  types.EnumValue{Str: "USER_DATA_TYPE_DISPLAY"},
				Value: "Alice",
			},
		},
	}

	u := UserDataFromMessage(m)
	require.NotNil(t, u)
	assert.Equal(t, types.UserDataTypeDisplay, u.Type)
	assert.Equal(t, "Alice", u.Value)

	m.Data.UserDataBody.Type = types.EnumValue{Num: 99}
	assert.Nil(t, UserDataFromMessage(m))
}

func TestVerificationFromMessage(t *testing.T) {
	m := &types.Message{
		Hash: "0x11",
		Data: &types.MessageData{
			Type:      types.MessageTypeVerificationAdd,
			Fid:       12,
			Timestamp: 4000,
			VerificationAddBody: &types.VerificationAddBody{
				Address:   "0xABCDEF0123456789abcdef0123456789ABCDEF01",
				Protocol:  types.EnumValue{Str: "PROTOCOL_ETHEREUM"},
				BlockHash: "0x22",
			},
		},
	}

	v := VerificationFromMessage(m)
	require.NotNil(t, v)
	assert.Equal(t, types.ProtocolEthereum, v.Protocol)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", v.Address)
	require.NotNil(t, v.BlockHash)
	assert.Equal(t, "22", *v.BlockHash)

	// Non-ethereum protocols are not tracked
	m.Data.VerificationAddBody.Protocol = types.EnumValue{Str: "PROTOCOL_SOLANA"}
	assert.Nil(t, VerificationFromMessage(m))
}

func TestOnChainEventFromHub(t *testing.T) {
	e := &types.HubOnChainEvent{
		Type:            types.OnChainEventTypeSigner,
		ChainID:         10,
		BlockNumber:     11111,
		BlockHash:       "0x33",
		BlockTimestamp:  1700000000,
		TransactionHash: "0x44",
		LogIndex:        2,
		Fid:             99,
		SignerEventBody: &types.SignerEventBody{
			Key:       "0x55",
			EventType: types.SignerEventTypeAdd,
			TargetFid: 42,
		},
	}

	rec := OnChainEventFromHub(e)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(99), rec.Fid)
	assert.NotEmpty(t, rec.SignerEventBody)
	assert.Empty(t, rec.IDRegistryEventBody)
	assert.Empty(t, rec.KeyRegistryEvent)
	assert.Empty(t, rec.StorageRentEvent)

	var body types.SignerEventBody
	require.NoError(t, json.Unmarshal(rec.SignerEventBody, &body))
	assert.Equal(t, uint64(42), body.TargetFid)

	// Body missing for the declared type
	e.SignerEventBody = nil
	assert.Nil(t, OnChainEventFromHub(e))
}

// The JSON API and a typed decode of the same message must produce the same
// record.
func TestFactoryJSONRoundTrip(t *testing.T) {
	typed := castAddMessage()

	raw, err := json.Marshal(typed)
	require.NoError(t, err)
	var decoded types.Message
	require.NoError(t, json.Unmarshal(raw, &decoded))

	fromTyped := CastFromMessage(typed)
	fromJSON := CastFromMessage(&decoded)
	assert.Equal(t, fromTyped, fromJSON)
}

func TestUsernameProofFromProofDeterministic(t *testing.T) {
	p := &types.UsernameProofBody{
		Timestamp: 1700000000,
		Name:      "alice",
		Owner:     "0xAA",
		Signature: "0xBB",
		Fid:       12,
	}

	a := UsernameProofFromProof(p)
	b := UsernameProofFromProof(p)
	require.NotNil(t, a)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.Hash, 40)
	assert.Equal(t, "alice", a.Name)

	assert.Nil(t, UsernameProofFromProof(nil))
	assert.Nil(t, UsernameProofFromProof(&types.UsernameProofBody{}))
}
