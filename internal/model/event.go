package model

// ArtifactRef identifies one artifact in the engine's result store. Filename,
// Subfolder, and Type together form the retrieval key for the view endpoint.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Event is the discriminated union of execution events received over the push
// channel. Each variant implements the marker method so a type switch over
// Event covers the full protocol; adding a variant without handling it in the
// monitor is a compile-visible omission rather than a silent default.
type Event interface {
	event()
}

// Started signals that the engine began executing the tracked job.
type Started struct{}

// NodeProgress reports per-node completion progress (Value out of Max).
// Later progress events supersede earlier ones; they carry no control-flow
// meaning.
type NodeProgress struct {
	Node  string
	Value int
	Max   int
}

// NodeExecuted signals that one node finished and advertises the artifacts it
// produced.
type NodeExecuted struct {
	Node    string
	Outputs []ArtifactRef
}

// Completed is terminal: the whole workflow finished successfully. Outputs
// holds every artifact reference advertised during execution.
type Completed struct {
	Outputs []ArtifactRef
}

// ExecError is terminal: the engine reported a node-level failure.
type ExecError struct {
	NodeID   string
	NodeType string
	Message  string
}

func (Started) event()      {}
func (NodeProgress) event() {}
func (NodeExecuted) event() {}
func (Completed) event()    {}
func (ExecError) event()    {}
