package types

// JobStatus tracks a submitted job through the queue.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "IN_QUEUE"
	JobStatusProgress  JobStatus = "IN_PROGRESS"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// GenerateParamsRequest is what clients send. The server assigns the ID.
type GenerateParamsRequest struct {
	Prompt         string  `json:"prompt" msgpack:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty" msgpack:"negative_prompt,omitempty"`
	Size           string  `json:"size,omitempty" msgpack:"size,omitempty"`
	Steps          int     `json:"steps,omitempty" msgpack:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty" msgpack:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty" msgpack:"seed,omitempty"`
	WithLatents    bool    `json:"with_latents,omitempty" msgpack:"with_latents,omitempty"`
	OutputFormat   string  `json:"output_format,omitempty" msgpack:"output_format,omitempty"`
	WebhookUrl     string  `json:"webhook_url,omitempty" msgpack:"-"`
}

// GenerateParams is the internal request with the server-generated ID and,
// for image-to-image, the raw input bytes. Fields left zero fall back to
// the loaded mode's defaults inside the worker backend.
type GenerateParams struct {
	ID             string  `json:"id" msgpack:"id"`
	Prompt         string  `json:"prompt" msgpack:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty" msgpack:"negative_prompt,omitempty"`
	Size           string  `json:"size,omitempty" msgpack:"size,omitempty"`
	Steps          int     `json:"steps,omitempty" msgpack:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty" msgpack:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty" msgpack:"seed,omitempty"`
	WithLatents    bool    `json:"with_latents,omitempty" msgpack:"with_latents,omitempty"`
	OutputFormat   string  `json:"output_format,omitempty" msgpack:"output_format,omitempty"`
	SourceImage    []byte  `json:"-" msgpack:"source_image,omitempty"`
}

func (r GenerateParamsRequest) WithID(id string) *GenerateParams {
	return &GenerateParams{
		ID:             id,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Size:           r.Size,
		Steps:          r.Steps,
		Guidance:       r.Guidance,
		Seed:           r.Seed,
		WithLatents:    r.WithLatents,
		OutputFormat:   r.OutputFormat,
	}
}

type GenerationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Seed   int64  `json:"seed,omitempty"`
	Mode   string `json:"mode,omitempty"`
}
