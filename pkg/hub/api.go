package hub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/graphwatch/graphwatch/pkg/types"
)

const (
	// DefaultPageSize is used when callers do not ask for a specific size
	DefaultPageSize = 100

	// MaxPageSize bounds a single page request
	MaxPageSize = 1000
)

// MessageKind selects which message CRDT set a ByFid call reads
type MessageKind string

const (
	KindCasts          MessageKind = "casts"
	KindReactions      MessageKind = "reactions"
	KindLinks          MessageKind = "links"
	KindVerifications  MessageKind = "verifications"
	KindUserData       MessageKind = "userData"
	KindUsernameProofs MessageKind = "usernameProofs"
)

var kindPaths = map[MessageKind]string{
	KindCasts:         "/v1/castsByFid",
	KindReactions:     "/v1/reactionsByFid",
	KindLinks:         "/v1/linksByFid",
	KindVerifications: "/v1/verificationsByFid",
	KindUserData:      "/v1/userDataByFid",
}

// PageOptions controls pagination of ByFid calls
type PageOptions struct {
	PageSize  int
	PageToken string
	Reverse   bool
}

func (o PageOptions) apply(q url.Values) {
	size := o.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	q.Set("pageSize", strconv.Itoa(size))
	if o.PageToken != "" {
		q.Set("pageToken", o.PageToken)
	}
	if o.Reverse {
		q.Set("reverse", "true")
	}
}

// MessagesPage is one page of messages plus the continuation token
type MessagesPage struct {
	Messages      []*types.Message `json:"messages"`
	NextPageToken string           `json:"nextPageToken"`
}

// EventsPage is one page of the hub event stream
type EventsPage struct {
	Events        []*types.HubEvent `json:"events"`
	NextPageToken string            `json:"nextPageToken"`
}

// OnChainEventsPage is one page of chain events for an FID
type OnChainEventsPage struct {
	Events        []*types.HubOnChainEvent `json:"events"`
	NextPageToken string                   `json:"nextPageToken"`
}

// ProofsPage is the username-proof listing for an FID
type ProofsPage struct {
	Proofs []*types.UsernameProofBody `json:"proofs"`
}

// HubInfo is the hub metadata returned by /v1/info
type HubInfo struct {
	Version   string `json:"version"`
	Nickname  string `json:"nickname,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	IsSyncing bool   `json:"isSyncing,omitempty"`
}

// Info fetches hub metadata
func (c *Client) Info(ctx context.Context) (*HubInfo, error) {
	body, err := c.get(ctx, "/v1/info", nil)
	if err != nil {
		return nil, err
	}
	var info HubInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode hub info: %w", err)
	}
	return &info, nil
}

// MessagesByFid fetches one page of messages of the given kind for an FID.
// A 404 for a legitimately empty resource is an empty page, not an error.
// KindUsernameProofs is not served here and yields an error; the proofs
// listing comes from UsernameProofsByFid.
func (c *Client) MessagesByFid(ctx context.Context, fid uint64, kind MessageKind, opts PageOptions) (*MessagesPage, error) {
	path, ok := kindPaths[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported message kind %q", kind)
	}

	q := url.Values{}
	q.Set("fid", strconv.FormatUint(fid, 10))
	if kind == KindLinks {
		q.Set("link_type", string(types.LinkTypeFollow))
	}
	opts.apply(q)

	body, err := c.get(ctx, path, q)
	if errors.Is(err, ErrNotFound) {
		return &MessagesPage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var page MessagesPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", kind, err)
	}
	return &page, nil
}

// GetAllMessagesByFid materializes the full message history of a kind,
// following nextPageToken until empty.
func (c *Client) GetAllMessagesByFid(ctx context.Context, fid uint64, kind MessageKind) ([]*types.Message, error) {
	var all []*types.Message
	opts := PageOptions{PageSize: DefaultPageSize}
	for {
		page, err := c.MessagesByFid(ctx, fid, kind, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		if page.NextPageToken == "" {
			return all, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

// UsernameProofsByFid fetches the username proofs for an FID
func (c *Client) UsernameProofsByFid(ctx context.Context, fid uint64) ([]*types.UsernameProofBody, error) {
	q := url.Values{}
	q.Set("fid", strconv.FormatUint(fid, 10))

	body, err := c.get(ctx, "/v1/usernameProofsByFid", q)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var page ProofsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode proofs page: %w", err)
	}
	return page.Proofs, nil
}

// OnChainEventsByFid fetches one page of chain events for an FID
func (c *Client) OnChainEventsByFid(ctx context.Context, fid uint64, opts PageOptions) (*OnChainEventsPage, error) {
	q := url.Values{}
	q.Set("fid", strconv.FormatUint(fid, 10))
	opts.apply(q)

	body, err := c.get(ctx, "/v1/onChainEventsByFid", q)
	if errors.Is(err, ErrNotFound) {
		return &OnChainEventsPage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var page OnChainEventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode chain events page: %w", err)
	}
	return &page, nil
}

// GetAllOnChainEventsByFid materializes the full chain event history of an FID
func (c *Client) GetAllOnChainEventsByFid(ctx context.Context, fid uint64) ([]*types.HubOnChainEvent, error) {
	var all []*types.HubOnChainEvent
	opts := PageOptions{PageSize: DefaultPageSize}
	for {
		page, err := c.OnChainEventsByFid(ctx, fid, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if page.NextPageToken == "" {
			return all, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

// Events fetches the next page of the hub event stream starting at
// fromEventID. Events arrive in strictly increasing id order.
func (c *Client) Events(ctx context.Context, fromEventID uint64, pageSize int) (*EventsPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	q := url.Values{}
	q.Set("from_event_id", strconv.FormatUint(fromEventID, 10))
	q.Set("page_size", strconv.Itoa(pageSize))

	body, err := c.get(ctx, "/v1/events", q)
	if errors.Is(err, ErrNotFound) {
		return &EventsPage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var page EventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode events page: %w", err)
	}
	return &page, nil
}
