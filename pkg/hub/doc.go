// Package hub provides the HTTP client for upstream hubs.
//
// # Overview
//
// A Client wraps an ordered list of hub endpoints. The first endpoint is the
// primary; the rest are fallbacks. Each endpoint may carry a request
// transformer, used to inject per-provider API key headers.
//
// Failure handling follows three tiers:
//
//   - Transport errors, timeouts and 5xx responses rotate to the next
//     endpoint within the same request.
//   - A full rotation that finds no healthy endpoint is retried with
//     exponential backoff, three attempts in total, before the request
//     fails with ErrUnavailable.
//   - 429 responses mark the endpoint rate-limited until the Retry-After
//     deadline; the rotation skips it while the window is open.
//
// Any successful response resets the preference back to the primary, so a
// recovered primary is picked up on the next call without operator action.
//
// Non-transport failures never rotate: a 404 on a list endpoint means the
// resource is legitimately empty and is returned as an empty page; other
// 4xx responses are surfaced to the caller unchanged.
//
// # Usage
//
//	client, err := hub.NewClient([]hub.Endpoint{
//		{URL: "https://hub-1.example.com:2281"},
//		{URL: "https://hub-2.example.com:2281", Transform: injectAPIKey},
//	})
//	if err != nil {
//		return err
//	}
//
//	// One page
//	page, err := client.MessagesByFid(ctx, 12, hub.KindCasts, hub.PageOptions{})
//
//	// Full history, following nextPageToken until empty
//	msgs, err := client.GetAllMessagesByFid(ctx, 12, hub.KindCasts)
//
//	// Event stream tail
//	events, err := client.Events(ctx, lastEventID, 100)
//
// Page sizes default to 100 and are clamped to 1000. Connect timeout is 10
// seconds and read timeout 30 seconds.
package hub
