package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
)

// createAgentInput seeds a fake agent with the given name.
func createAgentInput(name string) *bedrockagent.CreateAgentInput {
	return &bedrockagent.CreateAgentInput{
		AgentName:       aws.String(name),
		FoundationModel: aws.String("anthropic.claude-3-sonnet-20240229-v1:0"),
	}
}

// fakeInvoker records prompts and returns canned responses keyed by prompt.
type fakeInvoker struct {
	responses map[string]string
	errs      map[string]error
	sessions  []string
	agentIDs  []string
}

func (f *fakeInvoker) Invoke(_ context.Context, agentID, _, sessionID, prompt string) (string, error) {
	f.agentIDs = append(f.agentIDs, agentID)
	f.sessions = append(f.sessions, sessionID)
	if err := f.errs[prompt]; err != nil {
		return "", err
	}
	return f.responses[prompt], nil
}

func agentSummary(id, name string, updated time.Time) agenttypes.AgentSummary {
	return agenttypes.AgentSummary{
		AgentId:     &id,
		AgentName:   &name,
		AgentStatus: agenttypes.AgentStatusPrepared,
		UpdatedAt:   &updated,
	}
}

func TestSelectLatestAgent(t *testing.T) {
	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	summaries := []agenttypes.AgentSummary{
		agentSummary("A1", "agent-core-20240314-090000", base.Add(-24*time.Hour)),
		agentSummary("A2", "agent-core-20240315-142207", base.Add(time.Hour)),
		agentSummary("A3", "hand-made-agent", base.Add(48*time.Hour)),
	}

	latest := selectLatestAgent(summaries)
	if latest == nil {
		t.Fatal("no agent selected")
	}
	// The newer hand-made agent is skipped; only generated names count.
	if *latest.AgentId != "A2" {
		t.Errorf("selected %s, want A2", *latest.AgentId)
	}
}

func TestSelectLatestAgentNoneMatch(t *testing.T) {
	summaries := []agenttypes.AgentSummary{
		agentSummary("A1", "hand-made-agent", time.Now()),
	}
	if got := selectLatestAgent(summaries); got != nil {
		t.Errorf("selected %v, want nil", *got.AgentId)
	}
}

func TestVerifierRun(t *testing.T) {
	agents := newFakeAgents()
	ctx := context.Background()
	if _, err := agents.CreateAgent(ctx, createAgentInput("agent-core-20240315-142207")); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	invoker := &fakeInvoker{responses: map[string]string{
		"What time is it in New York?":  "It is 10:22 AM in New York.",
		"What is the weather in Tokyo?": "Sunny in Tokyo, 72F.",
		"What is 123 + 456?":            "579",
	}}
	v := &Verifier{agents: agents, invoke: invoker, aliasID: "TSTALIASID"}

	results, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("have %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("prompt %q failed: %v", r.Prompt, r.Err)
		}
		if r.Response == "" {
			t.Errorf("prompt %q got empty response", r.Prompt)
		}
	}

	// One fresh session per prompt.
	seen := map[string]bool{}
	for _, s := range invoker.sessions {
		if seen[s] {
			t.Errorf("session %q reused", s)
		}
		seen[s] = true
	}
}

func TestVerifierRunReportsPromptErrors(t *testing.T) {
	agents := newFakeAgents()
	ctx := context.Background()
	if _, err := agents.CreateAgent(ctx, createAgentInput("agent-core-20240315-142207")); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	invoker := &fakeInvoker{
		responses: map[string]string{
			"What time is it in New York?": "10:22 AM",
			"What is 123 + 456?":           "579",
		},
		errs: map[string]error{
			"What is the weather in Tokyo?": fmt.Errorf("throttled"),
		},
	}
	v := &Verifier{agents: agents, invoke: invoker, aliasID: "TSTALIASID"}

	results, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("have %d failed prompts, want 1", failures)
	}
}

func TestVerifierRunNoAgents(t *testing.T) {
	v := &Verifier{agents: newFakeAgents(), invoke: &fakeInvoker{}, aliasID: "TSTALIASID"}
	_, err := v.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with no deployed agents")
	}
	if !IsNotFoundError(err) {
		t.Errorf("error %v is not a not-found error", err)
	}
}
