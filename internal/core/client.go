package core

// Client is one live connection as seen by the hub. The persisted participant
// record lives in the store and is looked up by ConnID.
type Client struct {
	ConnID   string
	Commands chan *Command
	Events   chan *Event

	done chan struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(connID string) *Client {
	return &Client{
		ConnID:   connID,
		Commands: make(chan *Command, 16),
		Events:   make(chan *Event, 64),
		done:     make(chan struct{}),
	}
}

// Done is closed once the hub has finished the session, including disconnect
// cleanup. Events is closed at the same time.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
