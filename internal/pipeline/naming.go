// Package pipeline implements the auto-deploy pipeline for container-backed
// Bedrock Agents: idempotent infrastructure provisioning, build triggering,
// and the event-driven deployment reactor that turns a pushed image into a
// freshly prepared agent.
package pipeline

import (
	"fmt"
	"regexp"
	"time"
)

// Logical names of the static infrastructure resources. Creation of each is
// idempotent: an already-existing resource is adopted, never treated as an
// error.
const (
	// RepositoryName is the ECR repository the tool-executor images are
	// pushed to.
	RepositoryName = "agent-core-tools"

	// AgentRoleName is the Bedrock Agent execution role.
	AgentRoleName = "BedrockAgentCoreExecutionRole"

	// DeployerRoleName is the execution role of the reactor function.
	DeployerRoleName = "AgentCoreAutoDeployRole"

	// ToolExecutorRoleName is the execution role of the tool-executor function.
	ToolExecutorRoleName = "AgentCoreToolExecutorRole"

	// BuildRoleName is the CodeBuild service role.
	BuildRoleName = "AgentCoreCodeBuildRole"

	// ReactorFunctionName is the Lambda function invoked on image push.
	ReactorFunctionName = "AgentCoreAutoDeployer"

	// ToolExecutorFunctionName is the container-image Lambda the agents call.
	ToolExecutorFunctionName = "AgentCoreToolExecutor"

	// EventRuleName is the EventBridge rule matching successful image pushes.
	EventRuleName = "AgentCoreECRPushTrigger"

	// BuildProjectName is the CodeBuild project that builds and pushes images.
	BuildProjectName = "agent-core-builder"
)

// S3 object keys used by the pipeline.
const (
	// SourceObjectKey is where the build trigger uploads the source bundle.
	SourceObjectKey = "source.zip"

	// toolManifestKey is the optional tool manifest the image build publishes.
	toolManifestKey = "tools/manifest.json"

	// latestRecordKey is the overwritten pointer to the most recent
	// successful deployment.
	latestRecordKey = "agents/latest.json"

	// digestClaimPrefix is the key prefix for per-digest deployment claims.
	digestClaimPrefix = "agents/by-digest/"
)

// agentNamePrefix is the prefix of every generated agent name.
const agentNamePrefix = "agent-core-"

// versionLayout is the timestamp layout used for deployment versions and
// generated agent names (UTC).
const versionLayout = "20060102-150405"

// agentNameRe matches generated agent names: the prefix followed by a
// 14-digit timestamp split 8-6 by a hyphen.
var agentNameRe = regexp.MustCompile(`^agent-core-\d{8}-\d{6}$`)

// regionRe matches well-formed AWS region identifiers.
var regionRe = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d+$`)

// accountIDRe matches 12-digit AWS account IDs.
var accountIDRe = regexp.MustCompile(`^\d{12}$`)

// versionTimestamp formats t as a deployment version, e.g. "20240315-142207".
func versionTimestamp(t time.Time) string {
	return t.UTC().Format(versionLayout)
}

// agentName derives the generated agent name for a deployment version.
func agentName(version string) string {
	return agentNamePrefix + version
}

// isGeneratedAgentName reports whether name was produced by agentName.
func isGeneratedAgentName(name string) bool {
	return agentNameRe.MatchString(name)
}

// configBucketName derives the conventional config bucket name for an
// account: "agent-core-configs-<account>".
func configBucketName(accountID string) string {
	return "agent-core-configs-" + accountID
}

// imageURI builds the digest-qualified (immutable) image reference for a
// pushed image.
func imageURI(accountID, region, repository, digest string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s@%s", accountID, region, repository, digest)
}

// versionedRecordKey returns the immutable S3 key for a deployment record.
func versionedRecordKey(version string) string {
	return fmt.Sprintf("agents/agent-%s.json", version)
}

// digestClaimKey returns the S3 key under which a deployment claims an image
// digest. Digests contain a colon ("sha256:..."), which is fine in S3 keys.
func digestClaimKey(digest string) string {
	return digestClaimPrefix + digest + ".json"
}
