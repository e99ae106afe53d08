package envelope

import "strings"

// Channels names the transport channels. The zero value uses no prefix.
type Channels struct {
	Prefix string
}

// Worker returns the channel a worker receives requests on.
func (c Channels) Worker(workerID string) string { return c.Prefix + "worker." + workerID }

// Responses returns the channel workers publish responses to.
func (c Channels) Responses() string { return c.Prefix + "responses" }

// System returns the control channel used for init announcements.
func (c Channels) System() string { return c.Prefix + "system" }

// WorkerID extracts the worker id from a worker channel name.
func (c Channels) WorkerID(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, c.Prefix+"worker.")
	return id, ok && id != ""
}
