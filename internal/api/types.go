package api

import "github.com/samcharles93/streamdecode/internal/inference"

// GenerateRequest starts one batched generation. Exactly one of Prompt,
// Prompts, Messages or InputIDs must be set.
type GenerateRequest struct {
	Prompt   string              `json:"prompt,omitempty"`
	Prompts  []string            `json:"prompts,omitempty"`
	Messages []inference.Message `json:"messages,omitempty"`

	InputIDs      [][]int `json:"input_ids,omitempty"`
	AttentionMask [][]int `json:"attention_mask,omitempty"`
	PositionIDs   [][]int `json:"position_ids,omitempty"`

	Seed   *int64 `json:"seed,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

// GenerateResponse is the non-streaming result.
type GenerateResponse struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	Created   int64          `json:"created"`
	Model     string         `json:"model"`
	Rows      []GeneratedRow `json:"rows"`
	Usage     Usage          `json:"usage"`
	Snapshots int            `json:"snapshots"`
}

type GeneratedRow struct {
	Index        int    `json:"index"`
	Tokens       []int  `json:"tokens"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SnapshotChunk is one SSE frame of a streaming generation. Rows carry only
// what is new since the previous frame.
type SnapshotChunk struct {
	ID              string     `json:"id"`
	Object          string     `json:"object"`
	Model           string     `json:"model"`
	Index           int        `json:"index"`
	CurrentLength   int        `json:"current_length"`
	GeneratedTokens int        `json:"generated_tokens"`
	Rows            []RowDelta `json:"rows"`
	Done            bool       `json:"done"`
}

type RowDelta struct {
	Index        int    `json:"index"`
	Tokens       []int  `json:"tokens"`
	Text         string `json:"text,omitempty"`
	Finished     bool   `json:"finished"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type WarmupRequest struct {
	BatchSize    int `json:"batch_size"`
	PromptLength int `json:"prompt_length"`
}

type WarmupResponse struct {
	Model        string  `json:"model"`
	Key          string  `json:"key"`
	BatchSize    int     `json:"batch_size"`
	PromptLength int     `json:"prompt_length"`
	Outcome      string  `json:"outcome"`
	ElapsedMS    float64 `json:"elapsed_ms"`
}

type CountTokensRequest struct {
	Text     *string             `json:"text,omitempty"`
	Messages []inference.Message `json:"messages,omitempty"`
}

type CountTokensResponse struct {
	Object string `json:"object"`
	Tokens int    `json:"tokens"`
}

type PlanEntry struct {
	Key          string `json:"key"`
	BatchSize    int    `json:"batch_size"`
	PromptLength int    `json:"prompt_length"`
}

type PlansResponse struct {
	Model    string          `json:"model"`
	EngineID string          `json:"engine_id"`
	Plans    []PlanEntry     `json:"plans"`
	Stats    inference.Stats `json:"stats"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
