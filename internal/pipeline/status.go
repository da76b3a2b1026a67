package pipeline

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// ResourceStatus describes the observed state of one pipeline resource.
type ResourceStatus struct {
	Kind   string // "record", "function", "agent"
	Name   string
	State  string
	Detail string
}

// StatusChecker reports the current state of the deployed pipeline: the
// latest deployment record, the two Lambda functions, and the latest agent.
type StatusChecker struct {
	lambda  LambdaClient
	agents  BedrockAgentClient
	records *RecordStore
}

// NewStatusChecker creates a StatusChecker over the given clients.
func NewStatusChecker(cfg *Config, clients *Clients) *StatusChecker {
	return &StatusChecker{
		lambda:  clients.Lambda,
		agents:  clients.Agents,
		records: NewRecordStore(clients.S3, cfg.Bucket),
	}
}

// Check gathers resource statuses. A missing resource is reported as state
// "missing" rather than failing the whole check; other errors abort.
func (c *StatusChecker) Check(ctx context.Context) ([]ResourceStatus, error) {
	var statuses []ResourceStatus

	rec, err := c.records.LoadLatest(ctx)
	switch {
	case err == nil:
		statuses = append(statuses, ResourceStatus{
			Kind:   "record",
			Name:   rec.AgentName,
			State:  "recorded",
			Detail: rec.ImageURI,
		})
	case IsNotFoundError(err):
		statuses = append(statuses, ResourceStatus{
			Kind:  "record",
			Name:  latestRecordKey,
			State: "missing",
		})
	default:
		return nil, err
	}

	for _, name := range []string{ReactorFunctionName, ToolExecutorFunctionName} {
		st, err := c.functionStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}

	if rec != nil {
		st, err := c.agentStatus(ctx, rec.AgentID, rec.AgentName)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (c *StatusChecker) functionStatus(ctx context.Context, name string) (ResourceStatus, error) {
	out, err := c.lambda.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return ResourceStatus{Kind: "function", Name: name, State: "missing"}, nil
		}
		return ResourceStatus{}, newPipelineError("get function", name, err)
	}
	return ResourceStatus{
		Kind:   "function",
		Name:   name,
		State:  string(out.Configuration.State),
		Detail: aws.ToString(out.Configuration.FunctionArn),
	}, nil
}

func (c *StatusChecker) agentStatus(ctx context.Context, agentID, name string) (ResourceStatus, error) {
	out, err := c.agents.GetAgent(ctx, &bedrockagent.GetAgentInput{
		AgentId: aws.String(agentID),
	})
	if err != nil {
		if isNotFound(err) {
			return ResourceStatus{Kind: "agent", Name: name, State: "missing"}, nil
		}
		return ResourceStatus{}, newPipelineError("get agent", agentID, err)
	}
	return ResourceStatus{
		Kind:   "agent",
		Name:   name,
		State:  string(out.Agent.AgentStatus),
		Detail: agentID,
	}, nil
}
