package models

import "time"

type WorkflowType string

const (
	WorkflowNewImage     WorkflowType = "new_image"
	WorkflowEditImage    WorkflowType = "edit_image"
	WorkflowUpscaleImage WorkflowType = "upscale_image"
	WorkflowImageToVideo WorkflowType = "image_to_video"
	WorkflowTextToVideo  WorkflowType = "text_to_video"
)

// Valid reports whether w is one of the known workflow types.
func (w WorkflowType) Valid() bool {
	switch w {
	case WorkflowNewImage, WorkflowEditImage, WorkflowUpscaleImage, WorkflowImageToVideo, WorkflowTextToVideo:
		return true
	}
	return false
}

// IsEdit reports whether the workflow operates on existing media.
func (w WorkflowType) IsEdit() bool {
	switch w {
	case WorkflowEditImage, WorkflowUpscaleImage, WorkflowImageToVideo:
		return true
	}
	return false
}

// IsVideo reports whether the workflow produces video output.
func (w WorkflowType) IsVideo() bool {
	return w == WorkflowImageToVideo || w == WorkflowTextToVideo
}

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MediaRef is an opaque reference to stored media.
type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

type QualityPriority string

const (
	QualityBalanced QualityPriority = ""
	QualitySpeed    QualityPriority = "speed"
	QualityQuality  QualityPriority = "quality"
)

type Tier string

const (
	TierFree   Tier = "free"
	TierBasic  Tier = "basic"
	TierPro    Tier = "pro"
	TierStudio Tier = "studio"
)

// Allocation returns the monthly credit allocation for the tier.
func (t Tier) Allocation() int {
	switch t {
	case TierBasic:
		return 100
	case TierPro:
		return 500
	case TierStudio:
		return 2000
	default:
		return 10
	}
}

// GenerationRequest is a single inbound request to the pipeline.
type GenerationRequest struct {
	Prompt              string          `json:"prompt"`
	UserID              int64           `json:"user_id"`
	SessionID           string          `json:"session_id,omitempty"`
	QualityPriority     QualityPriority `json:"quality_priority,omitempty"`
	UploadedMedia       []MediaRef      `json:"uploaded_media,omitempty"`
	ReferenceTags       []string        `json:"reference_tags,omitempty"`
	CurrentWorkingMedia *MediaRef       `json:"current_working_media,omitempty"`
}

// Session links successive requests so references like "it" resolve to
// prior output. Destroyed on explicit reset or TTL expiry.
type Session struct {
	ID            string        `json:"id"`
	UserID        int64         `json:"user_id"`
	WorkingMedia  *MediaRef     `json:"working_media,omitempty"`
	UploadedMedia []MediaRef    `json:"uploaded_media,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastTouchedAt time.Time     `json:"last_touched_at"`
	TTL           time.Duration `json:"ttl"`
}

// IntentClassification is the ephemeral result of intent detection.
// Cached with a bounded TTL, never persisted.
type IntentClassification struct {
	Workflow      WorkflowType `json:"workflow"`
	Confidence    float64      `json:"confidence"`
	Reasoning     string       `json:"reasoning"`
	NeedsExternal bool         `json:"needs_external_lookup"`
}

// ModelSelection is the deterministic routing decision for an intent.
type ModelSelection struct {
	ModelID           string        `json:"model_id"`
	Provider          string        `json:"provider"`
	Fallbacks         []string      `json:"fallbacks"`
	EstimatedCost     int           `json:"estimated_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	VideoSeconds      int           `json:"video_seconds,omitempty"`
	Reasoning         string        `json:"reasoning"`
}

type CreditAccount struct {
	UserID           int64     `json:"user_id"`
	Balance          int       `json:"balance"`
	PeriodAllocation int       `json:"period_allocation"`
	PeriodUsage      int       `json:"period_usage"`
	Tier             Tier      `json:"tier"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type TransactionReason string

const (
	ReasonCharge     TransactionReason = "charge"
	ReasonRefund     TransactionReason = "refund"
	ReasonAllocation TransactionReason = "allocation"
)

// CreditTransaction is one append-only ledger row. Immutable once written.
type CreditTransaction struct {
	ID           string            `json:"id"`
	UserID       int64             `json:"user_id"`
	Delta        int               `json:"delta"`
	BalanceAfter int               `json:"balance_after"`
	GenerationID string            `json:"generation_id,omitempty"`
	Model        string            `json:"model,omitempty"`
	Reason       TransactionReason `json:"reason"`
	RefersTo     string            `json:"refers_to,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ImageSourceType names which continuity rule produced the editing target.
type ImageSourceType string

const (
	SourceExplicit ImageSourceType = "explicit"
	SourceSession  ImageSourceType = "session"
	SourceUpload   ImageSourceType = "upload"
	SourceNone     ImageSourceType = "none"
)

// GenerationResult is the pipeline outcome returned to callers.
type GenerationResult struct {
	Success         bool            `json:"success"`
	GenerationID    string          `json:"generation_id"`
	OutputMedia     *MediaRef       `json:"output_media,omitempty"`
	ModelUsed       string          `json:"model_used,omitempty"`
	ExecutionTime   time.Duration   `json:"execution_time,omitempty"`
	Error           string          `json:"error,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ImageSourceType ImageSourceType `json:"image_source_type"`
}
