package types

import (
	"time"
)

// KernelMode defines how a kernel executor is hosted
type KernelMode string

const (
	KernelModeWorker KernelMode = "worker"
	KernelModeMain   KernelMode = "main-thread"
)

// KernelLanguage defines the language a kernel executes
type KernelLanguage string

const (
	LanguagePython     KernelLanguage = "python"
	LanguageTypeScript KernelLanguage = "typescript"
	LanguageJavaScript KernelLanguage = "javascript"
)

// KernelStatus represents the current state of a kernel
type KernelStatus string

const (
	KernelStatusStarting    KernelStatus = "starting"
	KernelStatusIdle        KernelStatus = "idle"
	KernelStatusBusy        KernelStatus = "busy"
	KernelStatusInterrupted KernelStatus = "interrupted"
	KernelStatusDead        KernelStatus = "dead"
)

// KernelSummary is the client-visible view of a kernel
type KernelSummary struct {
	ID           string         `json:"id"`
	Namespace    string         `json:"namespace,omitempty"`
	Mode         KernelMode     `json:"mode"`
	Language     KernelLanguage `json:"language"`
	Status       KernelStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created"`
	LastActivity time.Time      `json:"lastActivity"`
}

// EventType discriminates executor output events
type EventType string

const (
	EventStream         EventType = "stream"
	EventDisplayData    EventType = "display_data"
	EventExecuteResult  EventType = "execute_result"
	EventExecuteError   EventType = "execute_error"
	EventError          EventType = "error"
	EventStreamStart    EventType = "stream_start"
	EventStreamComplete EventType = "stream_complete"
)

// Event is a single structured output record from an executor.
// Exactly one terminator (stream_complete, error or execute_error)
// closes every execution.
type Event struct {
	Type        EventType      `json:"type"`
	Name        string         `json:"name,omitempty"` // "stdout" or "stderr" for stream events
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Ename       string         `json:"ename,omitempty"`
	Evalue      string         `json:"evalue,omitempty"`
	Traceback   []string       `json:"traceback,omitempty"`
	Message     string         `json:"message,omitempty"`
	OutputCount int            `json:"outputCount,omitempty"`
}

// IsTerminator reports whether the event closes its execution stream
func (e *Event) IsTerminator() bool {
	switch e.Type {
	case EventStreamComplete, EventError, EventExecuteError:
		return true
	}
	return false
}

// ExecutionRecord is one completed execution in a kernel's history
type ExecutionRecord struct {
	SessionID  string    `json:"sessionId"`
	Code       string    `json:"code"`
	Outputs    []Event   `json:"outputs"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Permission is the index-level cross-namespace access policy.
// It is immutable after index creation.
type Permission string

const (
	PermissionPrivate         Permission = "private"
	PermissionPublicRead      Permission = "public_read"
	PermissionPublicReadAdd   Permission = "public_read_add"
	PermissionPublicReadWrite Permission = "public_read_write"
)

// ValidPermission reports whether p is a known permission value
func ValidPermission(p Permission) bool {
	switch p {
	case PermissionPrivate, PermissionPublicRead, PermissionPublicReadAdd, PermissionPublicReadWrite:
		return true
	}
	return false
}

// Document is one entry in a vector index. Either Text (embedded via the
// bound provider) or Vector must be set; both is allowed.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text,omitempty"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryResult is one ranked hit from an index query
type QueryResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// OffloadState tracks whether an index is in memory or on disk
type OffloadState string

const (
	OffloadStateLive      OffloadState = "live"
	OffloadStateOffloaded OffloadState = "offloaded"
)

// IndexMetadata is the metadata.json sidecar of an offloaded index
type IndexMetadata struct {
	Format             string     `json:"format"`
	DocumentCount      int        `json:"documentCount"`
	EmbeddingDimension int        `json:"embeddingDimension"`
	CreatedAt          time.Time  `json:"createdAt"`
	OffloadedAt        time.Time  `json:"offloadedAt"`
	Namespace          string     `json:"namespace"`
	Permission         Permission `json:"permission"`
	EmbeddingProvider  string     `json:"embeddingProvider,omitempty"`
}

// OffloadFormatBinaryV1 is the only supported offload format
const OffloadFormatBinaryV1 = "binary_v1"

// OffloadedDocument is one row of documents.json (vectors live in vectors.bin)
type OffloadedDocument struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// IndexSnapshot is a full offloadable image of an index. Vectors[i]
// corresponds to Documents[i]; the id order is shared by documents.json
// and vectors.bin.
type IndexSnapshot struct {
	Metadata  IndexMetadata
	Documents []OffloadedDocument
	Vectors   [][]float32
}

// MessageRole is the role of a conversation message
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in an agent conversation
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
}

// ModelSettings configures the LLM backend for an agent
type ModelSettings struct {
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature,omitempty"`
	APIKey      string  `json:"apiKey,omitempty"`
}

// AgentKernelType selects the language of an agent's bound kernel
type AgentKernelType string

const (
	AgentKernelPython     AgentKernelType = "python"
	AgentKernelTypeScript AgentKernelType = "typescript"
	AgentKernelJavaScript AgentKernelType = "javascript"
	AgentKernelNone       AgentKernelType = "none"
)

// AgentConfig is the declarative agent record
type AgentConfig struct {
	ID               string          `json:"id"`
	Namespace        string          `json:"namespace,omitempty"`
	Name             string          `json:"name"`
	Instructions     string          `json:"instructions"`
	StartupScript    string          `json:"startupScript,omitempty"`
	ModelSettings    ModelSettings   `json:"modelSettings"`
	KernelType       AgentKernelType `json:"kernelType"`
	AutoAttachKernel bool            `json:"autoAttachKernel"`
	MaxSteps         int             `json:"maxSteps,omitempty"`
}

// AgentSummary is the client-visible view of an agent
type AgentSummary struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace,omitempty"`
	Name               string          `json:"name"`
	KernelType         AgentKernelType `json:"kernelType"`
	KernelID           string          `json:"kernelId,omitempty"`
	ConversationLength int             `json:"conversationLength"`
	StartupError       string          `json:"startupError,omitempty"`
	CreatedAt          time.Time       `json:"created"`
	LastActivity       time.Time       `json:"lastActivity"`
}

// ChatChunkType discriminates agent chat stream chunks
type ChatChunkType string

const (
	ChunkTextChunk          ChatChunkType = "text_chunk"
	ChunkFunctionCall       ChatChunkType = "function_call"
	ChunkFunctionCallOutput ChatChunkType = "function_call_output"
	ChunkComplete           ChatChunkType = "complete"
	ChunkError              ChatChunkType = "error"
)

// ChatChunk is one element of an agent chat stream
type ChatChunk struct {
	Type      ChatChunkType  `json:"type"`
	Text      string         `json:"text,omitempty"`
	Name      string         `json:"name,omitempty"`
	CallID    string         `json:"callId,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Content   string         `json:"content,omitempty"`
	Error     string         `json:"error,omitempty"`
}
