package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
)

// AWS-managed policy ARNs attached during provisioning.
const (
	bedrockFullAccessPolicyARN = "arn:aws:iam::aws:policy/AmazonBedrockFullAccess"
	lambdaBasicExecPolicyARN   = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
)

// Service principals for role trust policies.
const (
	bedrockPrincipal   = "bedrock.amazonaws.com"
	lambdaPrincipal    = "lambda.amazonaws.com"
	codebuildPrincipal = "codebuild.amazonaws.com"
	eventsPrincipal    = "events.amazonaws.com"
)

// reactorTimeoutSeconds is the reactor function's execution timeout.
const reactorTimeoutSeconds = 300

// buildImage is the CodeBuild environment image used for container builds.
const buildImage = "aws/codebuild/standard:7.0"

// policyDocument is an IAM policy document.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// policyStatement is a single IAM policy statement. Action and Resource may
// be a string or a list of strings.
type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    any               `json:"Action"`
	Resource  any               `json:"Resource,omitempty"`
}

// trustPolicy returns the JSON trust policy allowing service to assume the
// role.
func trustPolicy(service string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": service},
			Action:    "sts:AssumeRole",
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal trust policy: %w", err)
	}
	return string(data), nil
}

// SetupResult holds the identifiers of the provisioned infrastructure.
// Running Setup twice yields equal results: existing resources are adopted,
// never duplicated.
type SetupResult struct {
	Repository         string
	Bucket             string
	AgentRoleARN       string
	DeployerRoleARN    string
	ToolRoleARN        string
	BuildRoleARN       string
	ReactorFunctionARN string
	RuleARN            string
	BuildProject       string
}

// Provisioner idempotently ensures the existence of the pipeline's static
// infrastructure. Each step attempts creation and adopts the existing
// resource on an already-exists signal, converging its configuration to the
// desired state; any other creation error aborts the run.
type Provisioner struct {
	cfg         *Config
	ecr         ECRClient
	s3          S3Client
	iam         IAMClient
	lambda      LambdaClient
	eventBridge EventBridgeClient
	codeBuild   CodeBuildClient
}

// NewProvisioner creates a Provisioner over the given clients.
func NewProvisioner(cfg *Config, clients *Clients) *Provisioner {
	return &Provisioner{
		cfg:         cfg,
		ecr:         clients.ECR,
		s3:          clients.S3,
		iam:         clients.IAM,
		lambda:      clients.Lambda,
		eventBridge: clients.EventBridge,
		codeBuild:   clients.CodeBuild,
	}
}

// Setup provisions all static infrastructure in dependency order: registry
// and bucket first, then the three execution roles, then the reactor
// function (which references the roles), its invoke permission and event
// rule, and finally the build project. Run-to-completion; no rollback.
func (p *Provisioner) Setup(ctx context.Context) (*SetupResult, error) {
	res := &SetupResult{
		Repository:   p.cfg.Repository,
		Bucket:       p.cfg.Bucket,
		BuildProject: p.cfg.BuildProject,
	}

	if err := p.ensureRepository(ctx); err != nil {
		return nil, newPipelineError("ensure repository", p.cfg.Repository, err)
	}
	if err := p.ensureBucket(ctx); err != nil {
		return nil, newPipelineError("ensure bucket", p.cfg.Bucket, err)
	}

	var err error
	res.AgentRoleARN, err = p.ensureRole(ctx, AgentRoleName, bedrockPrincipal)
	if err != nil {
		return nil, newPipelineError("ensure role", AgentRoleName, err)
	}
	if err := p.attachPolicy(ctx, AgentRoleName, bedrockFullAccessPolicyARN); err != nil {
		return nil, newPipelineError("attach policy", AgentRoleName, err)
	}

	res.DeployerRoleARN, err = p.ensureRole(ctx, DeployerRoleName, lambdaPrincipal)
	if err != nil {
		return nil, newPipelineError("ensure role", DeployerRoleName, err)
	}
	if err := p.putDeployerPolicy(ctx, res.AgentRoleARN); err != nil {
		return nil, newPipelineError("put inline policy", DeployerRoleName, err)
	}

	res.ToolRoleARN, err = p.ensureRole(ctx, ToolExecutorRoleName, lambdaPrincipal)
	if err != nil {
		return nil, newPipelineError("ensure role", ToolExecutorRoleName, err)
	}
	if err := p.attachPolicy(ctx, ToolExecutorRoleName, lambdaBasicExecPolicyARN); err != nil {
		return nil, newPipelineError("attach policy", ToolExecutorRoleName, err)
	}

	res.ReactorFunctionARN, err = p.ensureReactorFunction(ctx, res.DeployerRoleARN, res.AgentRoleARN)
	if err != nil {
		return nil, newPipelineError("ensure function", ReactorFunctionName, err)
	}
	if err := p.ensureInvokePermission(ctx); err != nil {
		return nil, newPipelineError("ensure invoke permission", ReactorFunctionName, err)
	}

	res.RuleARN, err = p.ensureEventRule(ctx, res.ReactorFunctionARN)
	if err != nil {
		return nil, newPipelineError("ensure event rule", EventRuleName, err)
	}

	res.BuildRoleARN, err = p.ensureRole(ctx, BuildRoleName, codebuildPrincipal)
	if err != nil {
		return nil, newPipelineError("ensure role", BuildRoleName, err)
	}
	if err := p.putBuildPolicy(ctx); err != nil {
		return nil, newPipelineError("put inline policy", BuildRoleName, err)
	}
	if err := p.ensureBuildProject(ctx, res.BuildRoleARN); err != nil {
		return nil, newPipelineError("ensure build project", p.cfg.BuildProject, err)
	}

	log.Printf("pipeline: setup complete (repository=%s bucket=%s reactor=%s)",
		res.Repository, res.Bucket, res.ReactorFunctionARN)
	return res, nil
}

// ensureRepository creates the ECR repository or adopts an existing one.
func (p *Provisioner) ensureRepository(ctx context.Context) error {
	_, err := p.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(p.cfg.Repository),
	})
	if err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("CreateRepository %q: %w", p.cfg.Repository, err)
		}
		log.Printf("pipeline: repository %q already exists, adopting", p.cfg.Repository)
		return nil
	}
	log.Printf("pipeline: created repository %q", p.cfg.Repository)
	return nil
}

// ensureBucket creates the config bucket or adopts an existing one. Outside
// us-east-1 the bucket needs an explicit location constraint.
func (p *Provisioner) ensureBucket(ctx context.Context) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(p.cfg.Bucket)}
	if p.cfg.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.cfg.Region),
		}
	}
	_, err := p.s3.CreateBucket(ctx, in)
	if err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("CreateBucket %q: %w", p.cfg.Bucket, err)
		}
		log.Printf("pipeline: bucket %q already exists, adopting", p.cfg.Bucket)
		return nil
	}
	log.Printf("pipeline: created bucket %q", p.cfg.Bucket)
	return nil
}

// ensureRole creates an IAM role trusted by the given service principal, or
// adopts an existing role of the same name. Returns the role ARN.
func (p *Provisioner) ensureRole(ctx context.Context, name, principal string) (string, error) {
	trust, err := trustPolicy(principal)
	if err != nil {
		return "", err
	}

	out, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(trust),
	})
	if err != nil {
		if !isAlreadyExists(err) {
			return "", fmt.Errorf("CreateRole %q: %w", name, err)
		}
		got, getErr := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		if getErr != nil {
			return "", fmt.Errorf("GetRole %q (adopt): %w", name, getErr)
		}
		log.Printf("pipeline: role %q already exists, adopting", name)
		return aws.ToString(got.Role.Arn), nil
	}
	log.Printf("pipeline: created role %q", name)
	return aws.ToString(out.Role.Arn), nil
}

// attachPolicy attaches a managed policy to a role. Attaching an
// already-attached policy is a no-op on the AWS side.
func (p *Provisioner) attachPolicy(ctx context.Context, roleName, policyARN string) error {
	_, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return fmt.Errorf("AttachRolePolicy %s to %q: %w", policyARN, roleName, err)
	}
	return nil
}

// putDeployerPolicy puts the reactor role's inline policy. PutRolePolicy
// overwrites, so repeated runs converge the policy to the desired state.
func (p *Provisioner) putDeployerPolicy(ctx context.Context, agentRoleARN string) error {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{Effect: "Allow", Action: []string{"bedrock:*"}, Resource: "*"},
			{Effect: "Allow", Action: []string{"ecr:*"}, Resource: "*"},
			{Effect: "Allow", Action: []string{"s3:*"}, Resource: []string{fmt.Sprintf("arn:aws:s3:::%s*", p.cfg.Bucket)}},
			{Effect: "Allow", Action: []string{"lambda:*"}, Resource: "*"},
			{Effect: "Allow", Action: []string{"iam:PassRole"}, Resource: agentRoleARN},
			{Effect: "Allow", Action: []string{"logs:*"}, Resource: "*"},
		},
	}
	return p.putInlinePolicy(ctx, DeployerRoleName, "AgentCorePolicy", doc)
}

// putBuildPolicy puts the CodeBuild role's inline policy.
func (p *Provisioner) putBuildPolicy(ctx context.Context) error {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{Effect: "Allow", Action: []string{"ecr:*"}, Resource: "*"},
			{Effect: "Allow", Action: []string{"s3:*"}, Resource: "*"},
			{Effect: "Allow", Action: []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"}, Resource: "*"},
		},
	}
	return p.putInlinePolicy(ctx, BuildRoleName, "CodeBuildPolicy", doc)
}

// putInlinePolicy marshals and puts an inline role policy.
func (p *Provisioner) putInlinePolicy(ctx context.Context, roleName, policyName string, doc policyDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal policy %q: %w", policyName, err)
	}
	_, err = p.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("PutRolePolicy %q on %q: %w", policyName, roleName, err)
	}
	return nil
}

// ensureReactorFunction packages the reactor bootstrap binary and creates
// the reactor function, or converges an existing function's code and
// configuration. A freshly created deployer role may not have propagated
// yet, so creation is retried behind a readiness probe while Lambda reports
// the role as unassumable.
func (p *Provisioner) ensureReactorFunction(ctx context.Context, roleARN, agentRoleARN string) (string, error) {
	zipData, err := buildReactorZIP(p.cfg.ReactorBinaryPath)
	if err != nil {
		return "", fmt.Errorf("package reactor function: %w", err)
	}

	envVars := map[string]string{
		envBucket:       p.cfg.Bucket,
		envRepository:   p.cfg.Repository,
		envAgentRoleARN: agentRoleARN,
	}

	var arn string
	createErr := probeReadiness(ctx, p.cfg.Wait, ReactorFunctionName, func() error {
		out, err := p.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
			FunctionName: aws.String(ReactorFunctionName),
			Runtime:      lambdatypes.RuntimeProvidedal2023,
			Role:         aws.String(roleARN),
			Handler:      aws.String(reactorBootstrapName),
			Code:         &lambdatypes.FunctionCode{ZipFile: zipData},
			Timeout:      aws.Int32(reactorTimeoutSeconds),
			Environment:  &lambdatypes.Environment{Variables: envVars},
		})
		if err != nil {
			if isRolePropagationError(err) {
				return err // role not yet visible to Lambda; keep probing
			}
			return backoff.Permanent(err)
		}
		arn = aws.ToString(out.FunctionArn)
		return nil
	})
	if createErr == nil {
		log.Printf("pipeline: created function %q", ReactorFunctionName)
		return arn, nil
	}
	if !isAlreadyExists(createErr) {
		return "", fmt.Errorf("CreateFunction %q: %w", ReactorFunctionName, createErr)
	}

	// Function exists: converge code and configuration to the desired state.
	log.Printf("pipeline: function %q already exists, updating", ReactorFunctionName)
	if _, err := p.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(ReactorFunctionName),
		ZipFile:      zipData,
	}); err != nil {
		return "", fmt.Errorf("UpdateFunctionCode %q: %w", ReactorFunctionName, err)
	}
	if err := p.waitFunctionUpdated(ctx, ReactorFunctionName); err != nil {
		return "", err
	}
	if _, err := p.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(ReactorFunctionName),
		Timeout:      aws.Int32(reactorTimeoutSeconds),
		Environment:  &lambdatypes.Environment{Variables: envVars},
	}); err != nil {
		return "", fmt.Errorf("UpdateFunctionConfiguration %q: %w", ReactorFunctionName, err)
	}

	got, err := p.lambda.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(ReactorFunctionName),
	})
	if err != nil {
		return "", fmt.Errorf("GetFunction %q: %w", ReactorFunctionName, err)
	}
	return aws.ToString(got.Configuration.FunctionArn), nil
}

// waitFunctionUpdated probes the function's last update status until the
// in-flight code update lands, so the subsequent configuration update is not
// rejected with a conflict.
func (p *Provisioner) waitFunctionUpdated(ctx context.Context, name string) error {
	return probeReadiness(ctx, p.cfg.Wait, name, func() error {
		out, err := p.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(name),
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		switch out.LastUpdateStatus {
		case lambdatypes.LastUpdateStatusSuccessful:
			return nil
		case lambdatypes.LastUpdateStatusFailed:
			return backoff.Permanent(fmt.Errorf("function %q update failed: %s",
				name, aws.ToString(out.LastUpdateStatusReason)))
		default:
			return fmt.Errorf("function %q update status %s", name, out.LastUpdateStatus)
		}
	})
}

// ensureInvokePermission grants EventBridge permission to invoke the reactor
// function. An existing grant is adopted.
func (p *Provisioner) ensureInvokePermission(ctx context.Context) error {
	_, err := p.lambda.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(ReactorFunctionName),
		StatementId:  aws.String("AllowEventBridge"),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String(eventsPrincipal),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("AddPermission on %q: %w", ReactorFunctionName, err)
	}
	return nil
}

// ensureEventRule puts the image-push rule and binds the reactor function as
// its target. PutRule and PutTargets are idempotent upserts.
func (p *Provisioner) ensureEventRule(ctx context.Context, functionARN string) (string, error) {
	pattern, err := ecrPushEventPattern(p.cfg.Repository)
	if err != nil {
		return "", err
	}

	out, err := p.eventBridge.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:         aws.String(EventRuleName),
		EventPattern: aws.String(pattern),
		State:        ebtypes.RuleStateEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("PutRule %q: %w", EventRuleName, err)
	}

	_, err = p.eventBridge.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(EventRuleName),
		Targets: []ebtypes.Target{
			{Id: aws.String("1"), Arn: aws.String(functionARN)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("PutTargets on %q: %w", EventRuleName, err)
	}
	log.Printf("pipeline: event rule %q targets %s", EventRuleName, functionARN)
	return aws.ToString(out.RuleArn), nil
}

// ensureBuildProject creates the CodeBuild project or adopts an existing one.
// CodeBuild rejects a service role it cannot yet assume, so creation probes
// until the freshly created role has propagated, like the reactor function.
func (p *Provisioner) ensureBuildProject(ctx context.Context, buildRoleARN string) error {
	createErr := probeReadiness(ctx, p.cfg.Wait, p.cfg.BuildProject, func() error {
		_, err := p.codeBuild.CreateProject(ctx, &codebuild.CreateProjectInput{
			Name: aws.String(p.cfg.BuildProject),
			Source: &cbtypes.ProjectSource{
				Type:     cbtypes.SourceTypeS3,
				Location: aws.String(fmt.Sprintf("%s/%s", p.cfg.Bucket, SourceObjectKey)),
			},
			Artifacts: &cbtypes.ProjectArtifacts{
				Type: cbtypes.ArtifactsTypeNoArtifacts,
			},
			Environment: &cbtypes.ProjectEnvironment{
				Type:           cbtypes.EnvironmentTypeLinuxContainer,
				Image:          aws.String(buildImage),
				ComputeType:    cbtypes.ComputeTypeBuildGeneral1Small,
				PrivilegedMode: aws.Bool(true),
				EnvironmentVariables: []cbtypes.EnvironmentVariable{
					{Name: aws.String("AWS_DEFAULT_REGION"), Value: aws.String(p.cfg.Region)},
					{Name: aws.String("AWS_ACCOUNT_ID"), Value: aws.String(p.cfg.AccountID)},
					{Name: aws.String("IMAGE_REPO_NAME"), Value: aws.String(p.cfg.Repository)},
					{Name: aws.String("IMAGE_TAG"), Value: aws.String("latest")},
				},
			},
			ServiceRole: aws.String(buildRoleARN),
		})
		if err != nil {
			if isRolePropagationError(err) {
				return err // role not yet visible to CodeBuild; keep probing
			}
			return backoff.Permanent(err)
		}
		return nil
	})
	if createErr != nil {
		if !isAlreadyExists(createErr) {
			return fmt.Errorf("CreateProject %q: %w", p.cfg.BuildProject, createErr)
		}
		log.Printf("pipeline: build project %q already exists, adopting", p.cfg.BuildProject)
		return nil
	}
	log.Printf("pipeline: created build project %q", p.cfg.BuildProject)
	return nil
}
