package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/types"
)

const toolExecuteCode = "executeCode"

// executeCodeTool is the single tool exposed to the model. The schema is
// the JSON-schema literal the chat API expects.
var executeCodeTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        toolExecuteCode,
		Description: "Execute code on the agent's kernel and return its output",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "The source code to execute",
				},
			},
			"required": []string{"code"},
		},
	},
}

// Chat runs one conversational turn against the stored conversation. The
// returned channel yields text chunks, tool-call activity and exactly one
// complete or error chunk; the new messages are appended to the stored
// conversation when the turn finishes.
func (m *Manager) Chat(ctx context.Context, callerNS, ref, message string) (<-chan types.ChatChunk, error) {
	if message == "" {
		return nil, errdefs.InvalidInput("message is required")
	}
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}

	ag.mu.Lock()
	if ag.startupErr != "" {
		ag.mu.Unlock()
		return nil, errdefs.StartupScript("agent %q startup script failed: %s", ag.cfg.ID, ag.startupErr)
	}
	if ag.busy {
		ag.mu.Unlock()
		return nil, errdefs.Conflict("agent %q has a chat in progress", ag.cfg.ID)
	}
	ag.busy = true
	history := append([]types.Message(nil), ag.conversation...)
	ag.mu.Unlock()

	history = append(history, types.Message{Role: types.RoleUser, Content: message})
	out := make(chan types.ChatChunk, 16)

	go func() {
		defer close(out)
		turn, err := m.runTurn(ctx, ag, history, out)

		ag.mu.Lock()
		ag.busy = false
		ag.conversation = append(ag.conversation, types.Message{Role: types.RoleUser, Content: message})
		ag.conversation = append(ag.conversation, turn...)
		ag.lastActivity = time.Now()
		ag.mu.Unlock()
		m.persist(ag)

		if err != nil {
			metrics.AgentChatsTotal.WithLabelValues("error").Inc()
			out <- types.ChatChunk{Type: types.ChunkError, Error: err.Error()}
			return
		}
		metrics.AgentChatsTotal.WithLabelValues("ok").Inc()
		out <- types.ChatChunk{Type: types.ChunkComplete}
	}()
	return out, nil
}

// ChatStateless runs one turn against a caller-supplied history. The stored
// conversation is never read or written.
func (m *Manager) ChatStateless(ctx context.Context, callerNS, ref string, history []types.Message, message string) (<-chan types.ChatChunk, error) {
	if message == "" {
		return nil, errdefs.InvalidInput("message is required")
	}
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}
	ag.mu.Lock()
	if ag.startupErr != "" {
		ag.mu.Unlock()
		return nil, errdefs.StartupScript("agent %q startup script failed: %s", ag.cfg.ID, ag.startupErr)
	}
	ag.mu.Unlock()
	ag.touch()

	msgs := append([]types.Message(nil), history...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: message})
	out := make(chan types.ChatChunk, 16)

	go func() {
		defer close(out)
		if _, err := m.runTurn(ctx, ag, msgs, out); err != nil {
			metrics.AgentChatsTotal.WithLabelValues("error").Inc()
			out <- types.ChatChunk{Type: types.ChunkError, Error: err.Error()}
			return
		}
		metrics.AgentChatsTotal.WithLabelValues("ok").Inc()
		out <- types.ChatChunk{Type: types.ChunkComplete}
	}()
	return out, nil
}

// runTurn drives the model/tool loop for one turn. Each step is one
// completion call; a step that issues tool calls continues the loop, a
// plain text response ends it. Returns the messages generated this turn.
func (m *Manager) runTurn(ctx context.Context, ag *agent, history []types.Message, out chan<- types.ChatChunk) ([]types.Message, error) {
	ag.mu.Lock()
	settings := ag.cfg.ModelSettings
	instructions := ag.cfg.Instructions
	kernelID := ag.kernelID
	maxSteps := ag.cfg.MaxSteps
	ag.mu.Unlock()

	if maxSteps <= 0 || maxSteps > m.cfg.MaxStepsCap {
		maxSteps = m.cfg.MaxStepsCap
	}
	client := m.factory(settings)

	msgs := toChatMessages(instructions, history)
	var tools []openai.Tool
	if kernelID != "" {
		tools = []openai.Tool{executeCodeTool}
	}
	var turn []types.Message

	for step := 0; step < maxSteps; step++ {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       settings.Model,
			Temperature: settings.Temperature,
			Messages:    msgs,
			Tools:       tools,
		})
		if err != nil {
			return turn, fmt.Errorf("model request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return turn, fmt.Errorf("model returned no choices")
		}
		choice := resp.Choices[0].Message

		if choice.Content != "" {
			out <- types.ChatChunk{Type: types.ChunkTextChunk, Text: choice.Content}
		}
		msgs = append(msgs, choice)

		if len(choice.ToolCalls) == 0 {
			turn = append(turn, types.Message{Role: types.RoleAssistant, Content: choice.Content})
			return turn, nil
		}

		for _, call := range choice.ToolCalls {
			args := map[string]any{}
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				log.WithAgentID(ag.cfg.ID).Warn().Err(err).Msg("unparseable tool arguments")
			}
			out <- types.ChatChunk{
				Type:      types.ChunkFunctionCall,
				Name:      call.Function.Name,
				CallID:    call.ID,
				Arguments: args,
			}
			// Assistant tool-call messages are stored with the arguments as
			// content so the conversation replays into the chat API later
			turn = append(turn, types.Message{
				Role:       types.RoleAssistant,
				Content:    call.Function.Arguments,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
			})

			result := m.invokeTool(ctx, ag, call)
			out <- types.ChatChunk{
				Type:    types.ChunkFunctionCallOutput,
				Name:    call.Function.Name,
				CallID:  call.ID,
				Content: result,
			}
			turn = append(turn, types.Message{
				Role:       types.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
			})
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return turn, errdefs.Timeout("chat exceeded %d steps", maxSteps)
}

// invokeTool runs one tool call. Tool failures are returned as text so the
// model can react; they never abort the turn.
func (m *Manager) invokeTool(ctx context.Context, ag *agent, call openai.ToolCall) string {
	if call.Function.Name != toolExecuteCode {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args.Code == "" {
		return "error: executeCode requires a code argument"
	}

	ag.mu.Lock()
	kernelID := ag.kernelID
	ag.mu.Unlock()
	if kernelID == "" {
		return "error: agent has no attached kernel"
	}

	metrics.AgentToolCallsTotal.Inc()
	sess, err := m.kernels.ExecuteStream(ctx, ag.ns, kernelID, args.Code)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if !sess.Wait(ctx.Done()) {
		return "error: execution canceled"
	}
	return renderOutputs(sess.Outputs())
}

// renderOutputs flattens execution events into the text handed back to the
// model
func renderOutputs(events []types.Event) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case types.EventStream:
			b.WriteString(ev.Text)
		case types.EventExecuteResult, types.EventDisplayData:
			if text, ok := ev.Data["text/plain"].(string); ok {
				b.WriteString(text)
				b.WriteString("\n")
			}
		case types.EventExecuteError:
			fmt.Fprintf(&b, "%s: %s\n", ev.Ename, ev.Evalue)
		case types.EventError:
			fmt.Fprintf(&b, "error: %s\n", ev.Message)
		}
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// toChatMessages converts a stored conversation into chat API messages.
// Assistant entries carrying a tool name replay as tool-call messages.
func toChatMessages(instructions string, history []types.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	for _, msg := range history {
		switch {
		case msg.Role == types.RoleAssistant && msg.ToolName != "":
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   msg.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.ToolName,
						Arguments: msg.Content,
					},
				}},
			})
		case msg.Role == types.RoleTool:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return msgs
}
