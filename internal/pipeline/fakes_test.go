package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// apiError builds the AWS API error shape the classification helpers match.
func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

const testAccountID = "123456789012"

// testConfig returns a resolved Config with fast wait tuning.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AccountID = testAccountID
	cfg.AgentRoleARN = "arn:aws:iam::123456789012:role/" + AgentRoleName
	cfg.resolveDerived()
	cfg.Wait = WaitConfig{
		BuildPollInterval: time.Millisecond,
		ReadinessInitial:  time.Millisecond,
		ReadinessMax:      2 * time.Millisecond,
		ReadinessDeadline: 2 * time.Second,
	}
	return cfg
}

// fakeS3 is an in-memory object store honoring the If-None-Match condition.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Bucket)
	if f.buckets[name] {
		return nil, apiError("BucketAlreadyOwnedByYou", "bucket exists")
	}
	f.buckets[name] = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := aws.ToString(in.Key)
	if in.IfNoneMatch != nil {
		if _, exists := f.objects[key]; exists {
			return nil, apiError("PreconditionFailed", "object already exists")
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NoSuchKey", "key not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// fakeECR tracks repositories and pushed image digests.
type fakeECR struct {
	repos   map[string]bool
	digests []string
}

func newFakeECR() *fakeECR {
	return &fakeECR{repos: map[string]bool{}}
}

func (f *fakeECR) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	name := aws.ToString(in.RepositoryName)
	if f.repos[name] {
		return nil, apiError("RepositoryAlreadyExistsException", "repository exists")
	}
	f.repos[name] = true
	return &ecr.CreateRepositoryOutput{}, nil
}

func (f *fakeECR) DescribeImages(_ context.Context, _ *ecr.DescribeImagesInput, _ ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	out := &ecr.DescribeImagesOutput{}
	for _, d := range f.digests {
		out.ImageDetails = append(out.ImageDetails, ecrtypes.ImageDetail{
			ImageDigest: aws.String(d),
		})
	}
	return out, nil
}

// fakeIAM tracks roles and their attached/inline policies.
type fakeIAM struct {
	roles    map[string]string // name -> ARN
	attached map[string][]string
	inline   map[string][]string
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		roles:    map[string]string{},
		attached: map[string][]string{},
		inline:   map[string][]string{},
	}
}

func (f *fakeIAM) roleARN(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", testAccountID, name)
}

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	name := aws.ToString(in.RoleName)
	if _, exists := f.roles[name]; exists {
		return nil, apiError("EntityAlreadyExists", "role exists")
	}
	arn := f.roleARN(name)
	f.roles[name] = arn
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{
		RoleName: in.RoleName,
		Arn:      aws.String(arn),
	}}, nil
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	name := aws.ToString(in.RoleName)
	arn, ok := f.roles[name]
	if !ok {
		return nil, apiError("NoSuchEntity", "role not found")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{
		RoleName: in.RoleName,
		Arn:      aws.String(arn),
	}}, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	name := aws.ToString(in.RoleName)
	f.attached[name] = append(f.attached[name], aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	name := aws.ToString(in.RoleName)
	f.inline[name] = append(f.inline[name], aws.ToString(in.PolicyName))
	return &iam.PutRolePolicyOutput{}, nil
}

// fakeFunction is the state of one fake Lambda function.
type fakeFunction struct {
	arn      string
	imageURI string
	env      map[string]string
	timeout  int32
}

// fakeLambda tracks functions and invoke permissions. createErrs are
// returned (and consumed) by CreateFunction before creation succeeds, to
// simulate role-propagation delays.
type fakeLambda struct {
	functions   map[string]*fakeFunction
	permissions map[string][]string
	createErrs  []error
	createCalls int
	updateCalls int
}

func newFakeLambda() *fakeLambda {
	return &fakeLambda{
		functions:   map[string]*fakeFunction{},
		permissions: map[string][]string{},
	}
}

func (f *fakeLambda) functionARN(name string) string {
	return fmt.Sprintf("arn:aws:lambda:us-east-1:%s:function:%s", testAccountID, name)
}

func (f *fakeLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	name := aws.ToString(in.FunctionName)
	if _, exists := f.functions[name]; exists {
		return nil, apiError("ResourceConflictException", "function exists")
	}
	fn := &fakeFunction{arn: f.functionARN(name), timeout: aws.ToInt32(in.Timeout)}
	if in.Environment != nil {
		fn.env = in.Environment.Variables
	}
	if in.Code != nil {
		fn.imageURI = aws.ToString(in.Code.ImageUri)
	}
	f.functions[name] = fn
	return &lambda.CreateFunctionOutput{FunctionArn: aws.String(fn.arn)}, nil
}

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updateCalls++
	name := aws.ToString(in.FunctionName)
	fn, ok := f.functions[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "function not found")
	}
	if in.ImageUri != nil {
		fn.imageURI = aws.ToString(in.ImageUri)
	}
	return &lambda.UpdateFunctionCodeOutput{FunctionArn: aws.String(fn.arn)}, nil
}

func (f *fakeLambda) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	name := aws.ToString(in.FunctionName)
	fn, ok := f.functions[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "function not found")
	}
	if in.Environment != nil {
		fn.env = in.Environment.Variables
	}
	if in.Timeout != nil {
		fn.timeout = aws.ToInt32(in.Timeout)
	}
	return &lambda.UpdateFunctionConfigurationOutput{FunctionArn: aws.String(fn.arn)}, nil
}

func (f *fakeLambda) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	name := aws.ToString(in.FunctionName)
	fn, ok := f.functions[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "function not found")
	}
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{
		FunctionName: in.FunctionName,
		FunctionArn:  aws.String(fn.arn),
		State:        lambdatypes.StateActive,
	}}, nil
}

func (f *fakeLambda) GetFunctionConfiguration(_ context.Context, in *lambda.GetFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	name := aws.ToString(in.FunctionName)
	fn, ok := f.functions[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "function not found")
	}
	return &lambda.GetFunctionConfigurationOutput{
		FunctionName:     in.FunctionName,
		FunctionArn:      aws.String(fn.arn),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}, nil
}

func (f *fakeLambda) AddPermission(_ context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	name := aws.ToString(in.FunctionName)
	sid := aws.ToString(in.StatementId)
	for _, existing := range f.permissions[name] {
		if existing == sid {
			return nil, apiError("ResourceConflictException", "statement exists")
		}
	}
	f.permissions[name] = append(f.permissions[name], sid)
	return &lambda.AddPermissionOutput{}, nil
}

// fakeEventBridge records rules and targets.
type fakeEventBridge struct {
	rules   map[string]string // name -> pattern
	targets map[string][]string
}

func newFakeEventBridge() *fakeEventBridge {
	return &fakeEventBridge{rules: map[string]string{}, targets: map[string][]string{}}
}

func (f *fakeEventBridge) PutRule(_ context.Context, in *eventbridge.PutRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	name := aws.ToString(in.Name)
	f.rules[name] = aws.ToString(in.EventPattern)
	arn := fmt.Sprintf("arn:aws:events:us-east-1:%s:rule/%s", testAccountID, name)
	return &eventbridge.PutRuleOutput{RuleArn: aws.String(arn)}, nil
}

func (f *fakeEventBridge) PutTargets(_ context.Context, in *eventbridge.PutTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	name := aws.ToString(in.Rule)
	for _, t := range in.Targets {
		f.targets[name] = append(f.targets[name], aws.ToString(t.Arn))
	}
	return &eventbridge.PutTargetsOutput{}, nil
}

// fakeCodeBuild tracks projects and plays back a scripted build status
// sequence; the last status repeats once the sequence is drained. createErrs
// are returned (and consumed) by CreateProject before creation succeeds, to
// simulate role-propagation delays.
type fakeCodeBuild struct {
	projects    map[string]bool
	statuses    []cbtypes.StatusType
	builds      int
	createErrs  []error
	createCalls int
}

func newFakeCodeBuild(statuses ...cbtypes.StatusType) *fakeCodeBuild {
	return &fakeCodeBuild{projects: map[string]bool{}, statuses: statuses}
}

func (f *fakeCodeBuild) CreateProject(_ context.Context, in *codebuild.CreateProjectInput, _ ...func(*codebuild.Options)) (*codebuild.CreateProjectOutput, error) {
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	name := aws.ToString(in.Name)
	if f.projects[name] {
		return nil, apiError("ResourceAlreadyExistsException", "project exists")
	}
	f.projects[name] = true
	return &codebuild.CreateProjectOutput{}, nil
}

func (f *fakeCodeBuild) StartBuild(_ context.Context, in *codebuild.StartBuildInput, _ ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error) {
	f.builds++
	id := fmt.Sprintf("%s:%d", aws.ToString(in.ProjectName), f.builds)
	return &codebuild.StartBuildOutput{Build: &cbtypes.Build{Id: aws.String(id)}}, nil
}

func (f *fakeCodeBuild) BatchGetBuilds(_ context.Context, in *codebuild.BatchGetBuildsInput, _ ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error) {
	status := cbtypes.StatusTypeSucceeded
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &codebuild.BatchGetBuildsOutput{Builds: []cbtypes.Build{
		{Id: aws.String(in.Ids[0]), BuildStatus: status},
	}}, nil
}

// fakeAgent is the state of one fake Bedrock Agent.
type fakeAgent struct {
	id           string
	name         string
	status       agenttypes.AgentStatus
	actionGroups []string
	lambdaARN    string
	updatedAt    time.Time
}

// fakeAgents transitions agents NOT_PREPARED -> PREPARED on PrepareAgent.
type fakeAgents struct {
	agents map[string]*fakeAgent
	nextID int
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{agents: map[string]*fakeAgent{}}
}

func (f *fakeAgents) CreateAgent(_ context.Context, in *bedrockagent.CreateAgentInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.CreateAgentOutput, error) {
	f.nextID++
	a := &fakeAgent{
		id:        fmt.Sprintf("AGENT%04d", f.nextID),
		name:      aws.ToString(in.AgentName),
		status:    agenttypes.AgentStatusNotPrepared,
		updatedAt: time.Now(),
	}
	f.agents[a.id] = a
	return &bedrockagent.CreateAgentOutput{Agent: &agenttypes.Agent{
		AgentId:     aws.String(a.id),
		AgentName:   in.AgentName,
		AgentStatus: a.status,
	}}, nil
}

func (f *fakeAgents) GetAgent(_ context.Context, in *bedrockagent.GetAgentInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.GetAgentOutput, error) {
	a, ok := f.agents[aws.ToString(in.AgentId)]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "agent not found")
	}
	return &bedrockagent.GetAgentOutput{Agent: &agenttypes.Agent{
		AgentId:     aws.String(a.id),
		AgentName:   aws.String(a.name),
		AgentStatus: a.status,
	}}, nil
}

func (f *fakeAgents) ListAgents(_ context.Context, _ *bedrockagent.ListAgentsInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.ListAgentsOutput, error) {
	out := &bedrockagent.ListAgentsOutput{}
	for _, a := range f.agents {
		updated := a.updatedAt
		out.AgentSummaries = append(out.AgentSummaries, agenttypes.AgentSummary{
			AgentId:     aws.String(a.id),
			AgentName:   aws.String(a.name),
			AgentStatus: a.status,
			UpdatedAt:   &updated,
		})
	}
	return out, nil
}

func (f *fakeAgents) CreateAgentActionGroup(_ context.Context, in *bedrockagent.CreateAgentActionGroupInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.CreateAgentActionGroupOutput, error) {
	a, ok := f.agents[aws.ToString(in.AgentId)]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "agent not found")
	}
	a.actionGroups = append(a.actionGroups, aws.ToString(in.ActionGroupName))
	if executor, ok := in.ActionGroupExecutor.(*agenttypes.ActionGroupExecutorMemberLambda); ok {
		a.lambdaARN = executor.Value
	}
	return &bedrockagent.CreateAgentActionGroupOutput{}, nil
}

func (f *fakeAgents) PrepareAgent(_ context.Context, in *bedrockagent.PrepareAgentInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.PrepareAgentOutput, error) {
	a, ok := f.agents[aws.ToString(in.AgentId)]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "agent not found")
	}
	a.status = agenttypes.AgentStatusPrepared
	return &bedrockagent.PrepareAgentOutput{}, nil
}

// testClients bundles fresh fakes into a Clients value.
func testClients(s3c *fakeS3, ecrc *fakeECR, iamc *fakeIAM, lambdac *fakeLambda, eb *fakeEventBridge, cb *fakeCodeBuild, agents *fakeAgents) *Clients {
	return &Clients{
		ECR:         ecrc,
		S3:          s3c,
		IAM:         iamc,
		Lambda:      lambdac,
		EventBridge: eb,
		CodeBuild:   cb,
		Agents:      agents,
	}
}
