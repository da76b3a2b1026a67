package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/cenkalti/backoff/v5"
)

// DeploymentSummary reports the outcome of handling one image-push event.
type DeploymentSummary struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Version   string `json:"version"`
	ImageURI  string `json:"image_uri"`

	// Claimed is false when another invocation already deployed this image
	// digest; the summary then echoes the most recent recorded deployment.
	Claimed bool `json:"claimed"`
}

// Reactor turns a successful image push into a fresh, prepared Bedrock
// Agent: it pins the pushed digest onto the tool-executor function, creates
// a new agent bound to that function, and records the deployment in the
// config bucket. Each image digest is deployed at most once; a conditional
// claim object serializes concurrent invocations for the same digest.
type Reactor struct {
	cfg     *Config
	ecr     ECRClient
	lambda  LambdaClient
	agents  BedrockAgentClient
	s3      S3Client
	records *RecordStore

	now func() time.Time
}

// NewReactor creates a Reactor over the given clients.
func NewReactor(cfg *Config, clients *Clients) *Reactor {
	return &Reactor{
		cfg:     cfg,
		ecr:     clients.ECR,
		lambda:  clients.Lambda,
		agents:  clients.Agents,
		s3:      clients.S3,
		records: NewRecordStore(clients.S3, cfg.Bucket),
		now:     time.Now,
	}
}

// HandleImagePush processes one EventBridge ECR event. Events that are not a
// successful push to the configured repository are ignored with a nil
// summary. On the first event for a digest the reactor deploys a new agent;
// repeat events for an already-claimed digest return the latest recorded
// deployment without creating anything.
func (r *Reactor) HandleImagePush(ctx context.Context, evt ImagePushEvent) (*DeploymentSummary, error) {
	if !evt.IsSuccessfulPush(r.cfg.Repository) {
		log.Printf("pipeline: ignoring event source=%q detail-type=%q repository=%q",
			evt.Source, evt.DetailType, evt.Detail.RepositoryName)
		return nil, nil
	}

	digest, err := r.resolveDigest(ctx, evt)
	if err != nil {
		return nil, err
	}

	version := versionTimestamp(r.now())
	uri := imageURI(r.cfg.AccountID, r.cfg.Region, r.cfg.Repository, digest)
	log.Printf("pipeline: handling push of %s (version %s)", uri, version)

	lambdaARN, err := r.pinExecutorImage(ctx, uri)
	if err != nil {
		return nil, err
	}

	// Claim after the function update: pinning the same image twice is
	// harmless, a duplicate agent is not. An invocation aborted before this
	// point leaves the digest unclaimed for the retry.
	claimed, err := r.records.ClaimDigest(ctx, digest, uri, version)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Printf("pipeline: digest %s already claimed, skipping deployment", digest)
		return r.claimedSummary(ctx, uri)
	}

	schema, err := resolveToolSchema(ctx, r.s3, r.cfg.Bucket)
	if err != nil {
		return nil, err
	}

	agentID, err := r.createAgent(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := r.bindActionGroup(ctx, agentID, lambdaARN, schema); err != nil {
		return nil, err
	}
	if err := r.prepareAgent(ctx, agentID); err != nil {
		return nil, err
	}

	rec := &DeploymentRecord{
		AgentID:   agentID,
		AgentName: agentName(version),
		Version:   version,
		ImageURI:  uri,
		LambdaARN: lambdaARN,
		CreatedAt: version,
	}
	if err := r.records.Save(ctx, rec); err != nil {
		return nil, err
	}

	return &DeploymentSummary{
		AgentID:   agentID,
		AgentName: rec.AgentName,
		Version:   version,
		ImageURI:  uri,
		Claimed:   true,
	}, nil
}

// resolveDigest returns the pushed image's digest. The event detail normally
// carries it; older event shapes omit it, in which case the most recently
// pushed image in the repository is described.
func (r *Reactor) resolveDigest(ctx context.Context, evt ImagePushEvent) (string, error) {
	if evt.Detail.ImageDigest != "" {
		return evt.Detail.ImageDigest, nil
	}

	out, err := r.ecr.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(r.cfg.Repository),
		MaxResults:     aws.Int32(1),
	})
	if err != nil {
		return "", newPipelineError("describe images", r.cfg.Repository, err)
	}
	if len(out.ImageDetails) == 0 {
		return "", notFoundError("describe images", r.cfg.Repository,
			fmt.Sprintf("no images found in repository %q", r.cfg.Repository))
	}
	return aws.ToString(out.ImageDetails[0].ImageDigest), nil
}

// claimedSummary builds the summary for an already-claimed digest from the
// latest deployment record.
func (r *Reactor) claimedSummary(ctx context.Context, uri string) (*DeploymentSummary, error) {
	rec, err := r.records.LoadLatest(ctx)
	if err != nil {
		if IsNotFoundError(err) {
			// Claim exists but the original deployment has not recorded yet.
			return &DeploymentSummary{ImageURI: uri}, nil
		}
		return nil, err
	}
	return &DeploymentSummary{
		AgentID:   rec.AgentID,
		AgentName: rec.AgentName,
		Version:   rec.Version,
		ImageURI:  rec.ImageURI,
	}, nil
}

// pinExecutorImage points the tool-executor function at the pushed image by
// digest and waits for the code update to land. The function itself is
// created by the deploy flow, never here: a missing function aborts the
// invocation with a recoverable not-found error and nothing is deployed.
func (r *Reactor) pinExecutorImage(ctx context.Context, uri string) (string, error) {
	out, err := r.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(ToolExecutorFunctionName),
		ImageUri:     aws.String(uri),
	})
	if err != nil {
		if isNotFound(err) {
			return "", notFoundError("update function code", ToolExecutorFunctionName,
				fmt.Sprintf("function %q not found; run deploy to create it", ToolExecutorFunctionName))
		}
		return "", newPipelineError("update function code", ToolExecutorFunctionName, err)
	}
	arn := aws.ToString(out.FunctionArn)

	err = probeReadiness(ctx, r.cfg.Wait, ToolExecutorFunctionName, func() error {
		conf, err := r.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(ToolExecutorFunctionName),
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		switch conf.LastUpdateStatus {
		case lambdatypes.LastUpdateStatusSuccessful:
			return nil
		case lambdatypes.LastUpdateStatusFailed:
			return backoff.Permanent(fmt.Errorf("image update failed: %s",
				aws.ToString(conf.LastUpdateStatusReason)))
		default:
			return fmt.Errorf("image update status %s", conf.LastUpdateStatus)
		}
	})
	if err != nil {
		return "", err
	}
	log.Printf("pipeline: function %q now runs %s", ToolExecutorFunctionName, uri)
	return arn, nil
}

// createAgent creates the agent for this deployment version and waits until
// it leaves CREATING, at which point action groups may be attached.
func (r *Reactor) createAgent(ctx context.Context, version string) (string, error) {
	name := agentName(version)
	out, err := r.agents.CreateAgent(ctx, &bedrockagent.CreateAgentInput{
		AgentName:            aws.String(name),
		FoundationModel:      aws.String(r.cfg.FoundationModel),
		Instruction:          aws.String(r.cfg.AgentInstruction),
		AgentResourceRoleArn: aws.String(r.cfg.AgentRoleARN),
	})
	if err != nil {
		return "", newPipelineError("create agent", name, err)
	}
	agentID := aws.ToString(out.Agent.AgentId)
	log.Printf("pipeline: created agent %s (%s)", name, agentID)

	err = probeReadiness(ctx, r.cfg.Wait, name, func() error {
		return r.expectAgentStatus(ctx, agentID, agenttypes.AgentStatusNotPrepared)
	})
	if err != nil {
		return "", err
	}
	return agentID, nil
}

// bindActionGroup attaches the tool-executor function to the agent's DRAFT
// version as the "core-tools" action group.
func (r *Reactor) bindActionGroup(ctx context.Context, agentID, lambdaARN string, schema *ToolSchema) error {
	_, err := r.agents.CreateAgentActionGroup(ctx, &bedrockagent.CreateAgentActionGroupInput{
		AgentId:         aws.String(agentID),
		AgentVersion:    aws.String("DRAFT"),
		ActionGroupName: aws.String(actionGroupName),
		ActionGroupExecutor: &agenttypes.ActionGroupExecutorMemberLambda{
			Value: lambdaARN,
		},
		FunctionSchema: schema.toFunctionSchema(),
	})
	if err != nil {
		return newPipelineError("create action group", actionGroupName, err)
	}
	return nil
}

// prepareAgent kicks off agent preparation and waits for PREPARED.
func (r *Reactor) prepareAgent(ctx context.Context, agentID string) error {
	_, err := r.agents.PrepareAgent(ctx, &bedrockagent.PrepareAgentInput{
		AgentId: aws.String(agentID),
	})
	if err != nil {
		return newPipelineError("prepare agent", agentID, err)
	}
	return probeReadiness(ctx, r.cfg.Wait, agentID, func() error {
		return r.expectAgentStatus(ctx, agentID, agenttypes.AgentStatusPrepared)
	})
}

// expectAgentStatus probes the agent's status once: nil when want is
// reached, permanent failure on FAILED, retryable otherwise.
func (r *Reactor) expectAgentStatus(ctx context.Context, agentID string, want agenttypes.AgentStatus) error {
	out, err := r.agents.GetAgent(ctx, &bedrockagent.GetAgentInput{AgentId: aws.String(agentID)})
	if err != nil {
		return backoff.Permanent(err)
	}
	status := out.Agent.AgentStatus
	switch status {
	case want:
		return nil
	case agenttypes.AgentStatusFailed:
		return backoff.Permanent(fmt.Errorf("agent %s entered FAILED", agentID))
	default:
		return fmt.Errorf("agent %s status %s, want %s", agentID, status, want)
	}
}
