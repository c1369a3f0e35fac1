package comfy

// Event is anything the client reports back asynchronously: channel state
// transitions, operation acknowledgements, and push messages from the
// server. Consumers receive them from Client.Events.
type Event interface {
	event()
}

// Connected fires when the push channel opens.
type Connected struct{}

// Disconnected fires when the push channel drops. Any job still awaiting
// completion will never resolve after this.
type Disconnected struct{}

// Submitted carries the server-assigned id for a queued job graph.
type Submitted struct {
	PromptID string
}

// Uploaded carries the server-side filename assigned to an uploaded image.
type Uploaded struct {
	Name string
}

// ImageRef locates one produced artifact on the server.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Executed is a raw completion notification for one graph node. The client
// forwards it untouched; which nodes matter depends on the job in flight,
// so interpretation belongs to the orchestrator.
type Executed struct {
	PromptID string
	Node     string
	Images   []ImageRef
}

// StreamToken is one fragment of a streamed text answer.
type StreamToken struct {
	Token    string
	Finished bool
}

// ResultReady carries a fetched artifact body.
type ResultReady struct {
	PromptID string
	Filename string
	Data     []byte
}

// ClientError is a transport or status failure from any operation.
type ClientError struct {
	Message string
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Submitted) event()    {}
func (Uploaded) event()     {}
func (Executed) event()     {}
func (StreamToken) event()  {}
func (ResultReady) event()  {}
func (ClientError) event()  {}
