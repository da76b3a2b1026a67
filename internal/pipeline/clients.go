package pipeline

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// The pipeline components depend on narrow per-service interfaces covering
// exactly the calls they make, so unit tests can substitute fakes. The real
// aws-sdk-go-v2 clients satisfy these implicitly.

// ECRClient is the subset of the ECR API the pipeline uses.
type ECRClient interface {
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, opts ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeImages(ctx context.Context, in *ecr.DescribeImagesInput, opts ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// S3Client is the subset of the S3 API the pipeline uses.
type S3Client interface {
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// IAMClient is the subset of the IAM API the pipeline uses.
type IAMClient interface {
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, opts ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRole(ctx context.Context, in *iam.GetRoleInput, opts ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, opts ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

// LambdaClient is the subset of the Lambda API the pipeline uses.
type LambdaClient interface {
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, opts ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, opts ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, in *lambda.UpdateFunctionConfigurationInput, opts ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, opts ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, opts ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	AddPermission(ctx context.Context, in *lambda.AddPermissionInput, opts ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
}

// EventBridgeClient is the subset of the EventBridge API the pipeline uses.
type EventBridgeClient interface {
	PutRule(ctx context.Context, in *eventbridge.PutRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	PutTargets(ctx context.Context, in *eventbridge.PutTargetsInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
}

// CodeBuildClient is the subset of the CodeBuild API the pipeline uses.
type CodeBuildClient interface {
	CreateProject(ctx context.Context, in *codebuild.CreateProjectInput, opts ...func(*codebuild.Options)) (*codebuild.CreateProjectOutput, error)
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, opts ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, opts ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
}

// BedrockAgentClient is the subset of the Bedrock Agent control-plane API
// the pipeline uses.
type BedrockAgentClient interface {
	CreateAgent(ctx context.Context, in *bedrockagent.CreateAgentInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.CreateAgentOutput, error)
	GetAgent(ctx context.Context, in *bedrockagent.GetAgentInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.GetAgentOutput, error)
	ListAgents(ctx context.Context, in *bedrockagent.ListAgentsInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.ListAgentsOutput, error)
	CreateAgentActionGroup(ctx context.Context, in *bedrockagent.CreateAgentActionGroupInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.CreateAgentActionGroupOutput, error)
	PrepareAgent(ctx context.Context, in *bedrockagent.PrepareAgentInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.PrepareAgentOutput, error)
}

// Clients bundles the real AWS service clients used across the pipeline.
// AgentRuntime stays a concrete client: its streaming InvokeAgent response
// cannot be usefully narrowed, so the verifier wraps it behind its own
// invoker seam instead.
type Clients struct {
	ECR          ECRClient
	S3           S3Client
	IAM          IAMClient
	Lambda       LambdaClient
	EventBridge  EventBridgeClient
	CodeBuild    CodeBuildClient
	Agents       BedrockAgentClient
	AgentRuntime *bedrockagentruntime.Client
}

// NewClients loads the default AWS credential chain for the configured
// region, resolves the caller's account ID into cfg when it is not already
// set, and constructs the service clients.
func NewClients(ctx context.Context, cfg *Config) (*Clients, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.AccountID == "" {
		identity, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("STS GetCallerIdentity: %w", err)
		}
		cfg.AccountID = aws.ToString(identity.Account)
	}
	cfg.resolveDerived()

	return &Clients{
		ECR:          ecr.NewFromConfig(awsCfg),
		S3:           s3.NewFromConfig(awsCfg),
		IAM:          iam.NewFromConfig(awsCfg),
		Lambda:       lambda.NewFromConfig(awsCfg),
		EventBridge:  eventbridge.NewFromConfig(awsCfg),
		CodeBuild:    codebuild.NewFromConfig(awsCfg),
		Agents:       bedrockagent.NewFromConfig(awsCfg),
		AgentRuntime: bedrockagentruntime.NewFromConfig(awsCfg),
	}, nil
}
