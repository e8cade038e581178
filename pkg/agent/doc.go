/*
Package agent implements substrate's LLM agents: named, namespaced bindings
of a chat model to an optional execution kernel.

An agent holds instructions, model settings and a stored conversation. The
chat loop exposes a single executeCode tool to the model; tool calls run on
the agent's kernel and their output is fed back into the next completion
request, up to a capped number of steps per turn.

# Architecture

	┌──────────────────────── AGENT MANAGER ───────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │              Manager                         │             │
	│  │  - Namespaced agent registry                 │             │
	│  │  - Busy-flag chat serialization              │             │
	│  │  - Namespace cap with LRU eviction           │             │
	│  │  - JSON persistence (optional)               │             │
	│  └──────┬──────────────────────┬───────────────┘             │
	│         │                      │                              │
	│  ┌──────▼──────────┐    ┌──────▼────────────┐                │
	│  │  ModelClient    │    │  kernel.Manager    │               │
	│  │  - OpenAI-      │    │  - executeCode     │               │
	│  │    compatible   │    │    tool target     │               │
	│  │    chat API     │    │  - startup script  │               │
	│  └─────────────────┘    └───────────────────┘                │
	└──────────────────────────────────────────────────────────────┘

# The Chat Loop

One turn is a sequence of completion steps:

 1. Send instructions + conversation + new user message to the model
 2. Text content streams out as text_chunk
 3. Tool calls run executeCode on the kernel; the call and its output
    stream out as function_call and function_call_output
 4. Tool output is appended and the loop continues
 5. A response without tool calls ends the turn
 6. The step cap (per-agent MaxSteps, bounded by the engine cap) cuts
    runaway loops with a timeout error

Every stream ends with exactly one terminal chunk, complete or error. Tool
failures are returned to the model as text so it can react; they never
abort the turn.

# Startup Scripts

Agents created with AutoAttachKernel run their startup script on the fresh
kernel. A failing script does not fail creation: the error is recorded on
the agent and every subsequent chat is refused with a StartupScript error
until the kernel is detached and reattached.

# Conversations

The stored conversation accumulates user, assistant and tool messages
across turns and can be read, replaced or cleared. ChatStateless runs a
turn against a caller-supplied history without touching the stored
conversation. With AutoSaveConversations set, agents and their
conversations persist as JSON under the data directory and are restored on
engine start; kernels are never persisted.

# Usage

	m := agent.NewManager(cfg.Agents, kernels, nil)

	id, err := m.CreateAgent(ctx, types.AgentConfig{
		Namespace:        "team-a",
		Instructions:     "You are a data analyst.",
		AutoAttachKernel: true,
	})

	chunks, err := m.Chat(ctx, "team-a", id, "Plot a histogram of df.age")
	for chunk := range chunks {
		// text_chunk, function_call, function_call_output..., complete
	}

# Integration Points

  - pkg/kernel: kernel lifecycle and executeCode execution
  - github.com/sashabaranov/go-openai: chat completion transport
*/
package agent
