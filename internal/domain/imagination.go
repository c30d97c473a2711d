package domain

import "time"

// EngineKind identifies which provider adapter handles a job. The set is
// closed; unknown kinds are rejected at creation time.
type EngineKind string

const (
	EngineMidjourney      EngineKind = "midjourney"
	EngineIdeogram        EngineKind = "ideogram"
	EngineFluxSchnell     EngineKind = "flux_schnell"
	EngineFlux11          EngineKind = "flux_1.1"
	EnginePhoton          EngineKind = "photon"
	EnginePhotonFlash     EngineKind = "photon_flash"
	EngineStableDiffusion EngineKind = "stability"
	EngineDalle           EngineKind = "dalle"
)

// ImagineParams is the request payload of a single imagination. Prompt may be
// rewritten once during preprocessing (translation or enhancement) before the
// engine request is issued.
type ImagineParams struct {
	Prompt        string `json:"prompt"`
	Delineation   string `json:"delineation,omitempty"`
	AspectRatio   string `json:"aspect_ratio"`
	EnhancePrompt bool   `json:"enhance_prompt,omitempty"`
}

// ImagineResult is one output artifact of a completed imagination.
type ImagineResult struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Imagination is one generation unit driven through the status lifecycle by
// the orchestrator.
type Imagination struct {
	ID         string
	UserID     string
	Engine     EngineKind
	Params     ImagineParams
	Status     Status
	Percentage int
	// MetaData carries engine correlation data (external task id and the raw
	// engine response). It is merged on update, never replaced.
	MetaData   map[string]any
	RetryCount int
	Results    []ImagineResult
	Error      string
	UsageID    string
	BulkID     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MergeMetaData unions src into the job's metadata bag. Existing keys are
// overwritten by src, everything else is retained.
func (i *Imagination) MergeMetaData(src map[string]any) {
	if len(src) == 0 {
		return
	}
	if i.MetaData == nil {
		i.MetaData = make(map[string]any, len(src))
	}
	for k, v := range src {
		i.MetaData[k] = v
	}
}

// ExternalID returns the provider correlation id stored at submit time, or ""
// when the engine has not acknowledged the job yet.
func (i *Imagination) ExternalID() string {
	if i.MetaData == nil {
		return ""
	}
	if id, ok := i.MetaData["id"].(string); ok {
		return id
	}
	return ""
}

// BulkCombination is one engine×aspect-ratio cell of a bulk request.
type BulkCombination struct {
	Engine      EngineKind `json:"engine"`
	AspectRatio string     `json:"aspect_ratio"`
}

// BulkResult is one successful child artifact surfaced on the aggregate.
type BulkResult struct {
	Engine EngineKind `json:"engine"`
	URL    string     `json:"url"`
	Width  int        `json:"width,omitempty"`
	Height int        `json:"height,omitempty"`
}

// BulkError records one failed child.
type BulkError struct {
	Engine  EngineKind `json:"engine"`
	Message string     `json:"message"`
}

// ImaginationBulk aggregates many imaginations. It owns the logical grouping
// of its children but not their lifecycle; counters and result lists are
// rebuilt by re-scanning children rather than incremented in place.
type ImaginationBulk struct {
	ID             string
	UserID         string
	Params         ImagineParams
	Combinations   []BulkCombination
	TotalTasks     int
	TotalCompleted int
	TotalFailed    int
	Results        []BulkResult
	Errors         []BulkError
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Terminal reports whether every child has reached a terminal state.
func (b *ImaginationBulk) Terminal() bool {
	return b.TotalCompleted+b.TotalFailed == b.TotalTasks
}
