package orchestrator

// Update is what the presentation layer receives: each one either
// resolves a placeholder, reports connection state, or surfaces a
// message that belongs to no job.
type Update interface {
	update()
}

// JobStream carries the text accumulated so far for a streaming job.
type JobStream struct {
	Placeholder PlaceholderID
	Text        string
}

// JobText resolves a placeholder with a finished streamed answer.
type JobText struct {
	Placeholder PlaceholderID
	Text        string
}

// JobImage resolves a placeholder with a finished image saved locally.
type JobImage struct {
	Placeholder PlaceholderID
	Path        string
	Filename    string
}

// JobFailed resolves a placeholder with a user-visible failure.
type JobFailed struct {
	Placeholder PlaceholderID
	Message     string
}

// ConnState reports push channel transitions.
type ConnState struct {
	Connected bool
}

// Notice is an error that arrived with no job in flight.
type Notice struct {
	Message string
}

func (JobStream) update() {}
func (JobText) update()   {}
func (JobImage) update()  {}
func (JobFailed) update() {}
func (ConnState) update() {}
func (Notice) update()    {}
