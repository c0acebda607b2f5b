package geoscale

import "context"

// Oracle is the opaque reasoning component. It picks the next tool invocation
// or drafts the final answer. Implementations may be non-deterministic.
type Oracle interface {
	Converse(ctx context.Context, req OracleRequest) (*OracleResponse, error)
}

// DatasetRetriever narrows the dataset catalog to the ids relevant to a query,
// most relevant first.
type DatasetRetriever interface {
	Select(ctx context.Context, query Query, k int) ([]string, error)
}

// DescriptorIndex resolves dataset ids to descriptors.
type DescriptorIndex interface {
	Descriptor(id string) (DatasetDescriptor, bool)
}

// Tool is a spatial operation with a declared contract.
type Tool interface {
	// Name returns the tool's name.
	Name() string

	// Spec returns the typed contract used for validation and shown to the oracle.
	Spec() ToolSpec

	// Validate checks arguments beyond the declarative schema (e.g., mutually
	// exclusive arguments). Returns nil if valid.
	Validate(args map[string]interface{}) error

	// Execute runs the tool. Read tools must not mutate the layer store.
	Execute(ctx context.Context, args map[string]interface{}) (*Payload, error)
}

// ToolRegistry validates and executes invocations. Invoke never returns an
// error: failures are reported inside the observation.
type ToolRegistry interface {
	Catalog() []ToolSpec
	Invoke(ctx context.Context, inv ToolInvocation) Observation
}

// Assembler turns a final answer and its transcript into a presentable response.
// It must not re-run any spatial computation.
type Assembler interface {
	Assemble(answer FinalAnswer, steps []Step) (*Response, error)
}
