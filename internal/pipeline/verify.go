package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	runtimetypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/google/uuid"
)

// verificationPrompts exercise each built-in tool once.
var verificationPrompts = []string{
	"What time is it in New York?",
	"What is the weather in Tokyo?",
	"What is 123 + 456?",
}

// invoker sends one prompt to an agent alias and returns the full response
// text. It exists so tests can substitute a fake for the streaming runtime
// client.
type invoker interface {
	Invoke(ctx context.Context, agentID, aliasID, sessionID, prompt string) (string, error)
}

// VerifyResult is the outcome of one verification prompt.
type VerifyResult struct {
	Prompt   string
	Response string
	Err      error
}

// Verifier smoke-tests the most recently deployed agent by sending it a
// fixed set of prompts through the runtime API. Individual prompt failures
// are reported in the results, not returned as errors; verification as a
// whole fails only when no deployed agent can be found.
type Verifier struct {
	agents  BedrockAgentClient
	invoke  invoker
	aliasID string
}

// NewVerifier creates a Verifier over the given clients.
func NewVerifier(cfg *Config, clients *Clients) *Verifier {
	return &Verifier{
		agents:  clients.Agents,
		invoke:  &runtimeInvoker{client: clients.AgentRuntime},
		aliasID: cfg.AgentAliasID,
	}
}

// Run finds the newest pipeline-deployed agent and sends it the verification
// prompts, one session per prompt.
func (v *Verifier) Run(ctx context.Context) ([]VerifyResult, error) {
	agentID, name, err := v.latestAgent(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("pipeline: verifying agent %s (%s)", name, agentID)

	results := make([]VerifyResult, 0, len(verificationPrompts))
	for _, prompt := range verificationPrompts {
		text, err := v.invoke.Invoke(ctx, agentID, v.aliasID, uuid.NewString(), prompt)
		results = append(results, VerifyResult{Prompt: prompt, Response: text, Err: err})
		if err != nil {
			log.Printf("pipeline: prompt %q failed: %v", prompt, err)
		}
	}
	return results, nil
}

// latestAgent lists agents and picks the most recently updated one whose
// name the pipeline generated.
func (v *Verifier) latestAgent(ctx context.Context) (id, name string, err error) {
	var all []agenttypes.AgentSummary
	var nextToken *string
	for {
		out, err := v.agents.ListAgents(ctx, &bedrockagent.ListAgentsInput{NextToken: nextToken})
		if err != nil {
			return "", "", newPipelineError("list agents", "", err)
		}
		all = append(all, out.AgentSummaries...)
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	latest := selectLatestAgent(all)
	if latest == nil {
		return "", "", notFoundError("list agents", agentNamePrefix+"*", "no deployed agents found")
	}
	return aws.ToString(latest.AgentId), aws.ToString(latest.AgentName), nil
}

// selectLatestAgent returns the generated-name agent with the newest
// UpdatedAt, or nil when none matches.
func selectLatestAgent(summaries []agenttypes.AgentSummary) *agenttypes.AgentSummary {
	var latest *agenttypes.AgentSummary
	for i := range summaries {
		s := &summaries[i]
		if !isGeneratedAgentName(aws.ToString(s.AgentName)) {
			continue
		}
		if latest == nil || (s.UpdatedAt != nil &&
			(latest.UpdatedAt == nil || s.UpdatedAt.After(*latest.UpdatedAt))) {
			latest = s
		}
	}
	return latest
}

// runtimeInvoker is the real invoker over the Bedrock Agent runtime,
// draining the response event stream into a single string.
type runtimeInvoker struct {
	client *bedrockagentruntime.Client
}

func (r *runtimeInvoker) Invoke(ctx context.Context, agentID, aliasID, sessionID, prompt string) (string, error) {
	out, err := r.client.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(agentID),
		AgentAliasId: aws.String(aliasID),
		SessionId:    aws.String(sessionID),
		InputText:    aws.String(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("InvokeAgent: %w", err)
	}

	stream := out.GetStream()
	defer stream.Close()

	var sb strings.Builder
	for event := range stream.Events() {
		if chunk, ok := event.(*runtimetypes.ResponseStreamMemberChunk); ok {
			sb.Write(chunk.Value.Bytes)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("response stream: %w", err)
	}
	return sb.String(), nil
}
