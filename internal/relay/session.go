package relay

// Session is one (client, target) pairing (spec.md §3 "Session").
// sessionIds are opaque, router-minted, and never repeat for the life of
// the process (spec.md §9: "a good implementation uses 's' + monotonic").
// Session records are owned by the Router; Target records are owned by
// the TargetManager and only referenced here.
type Session struct {
	ID     string
	Client *Client
	Target *Target
}
