package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// actionGroupName is the name of the action group binding an agent to the
// tool-executor function.
const actionGroupName = "core-tools"

// Parameter types accepted in tool schemas.
var validParamTypes = map[string]types.Type{
	"string":  types.TypeString,
	"number":  types.TypeNumber,
	"integer": types.TypeInteger,
	"boolean": types.TypeBoolean,
}

// ToolSchema declares the callable tool signatures an agent's action group
// exposes. The image build publishes its schema as a manifest so the
// orchestrator never declares tools the deployed executor does not implement.
type ToolSchema struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolDefinition is one callable tool signature.
type ToolDefinition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ToolParameter `json:"parameters,omitempty"`
}

// ToolParameter describes a single tool parameter.
type ToolParameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// defaultToolSchema is the schema of the tool executor shipped with this
// repository. Used when the image's build did not publish a manifest.
func defaultToolSchema() *ToolSchema {
	return &ToolSchema{
		Tools: []ToolDefinition{
			{
				Name:        "get_weather",
				Description: "Get current weather for a city",
				Parameters: map[string]ToolParameter{
					"city": {Type: "string", Description: "City name", Required: true},
				},
			},
			{
				Name:        "calculate",
				Description: "Add two numbers",
				Parameters: map[string]ToolParameter{
					"a": {Type: "number", Description: "First number", Required: true},
					"b": {Type: "number", Description: "Second number", Required: true},
				},
			},
			{
				Name:        "get_time",
				Description: "Get the current time in a timezone",
				Parameters: map[string]ToolParameter{
					"timezone": {Type: "string", Description: "IANA timezone name", Required: true},
				},
			},
		},
	}
}

// validate checks the schema for empty tool names and unsupported parameter
// types.
func (s *ToolSchema) validate() error {
	if len(s.Tools) == 0 {
		return fmt.Errorf("tool schema declares no tools")
	}
	for _, tool := range s.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool schema contains a tool with no name")
		}
		for pname, p := range tool.Parameters {
			if _, ok := validParamTypes[p.Type]; !ok {
				return fmt.Errorf("tool %q parameter %q has unsupported type %q", tool.Name, pname, p.Type)
			}
		}
	}
	return nil
}

// toFunctionSchema converts the schema to the Bedrock Agent SDK
// representation used by CreateAgentActionGroup.
func (s *ToolSchema) toFunctionSchema() types.FunctionSchema {
	functions := make([]types.Function, 0, len(s.Tools))
	for _, tool := range s.Tools {
		fn := types.Function{
			Name:        aws.String(tool.Name),
			Description: aws.String(tool.Description),
		}
		if len(tool.Parameters) > 0 {
			fn.Parameters = make(map[string]types.ParameterDetail, len(tool.Parameters))
			for pname, p := range tool.Parameters {
				fn.Parameters[pname] = types.ParameterDetail{
					Type:        validParamTypes[p.Type],
					Description: aws.String(p.Description),
					Required:    aws.Bool(p.Required),
				}
			}
		}
		functions = append(functions, fn)
	}
	return &types.FunctionSchemaMemberFunctions{Value: functions}
}

// resolveToolSchema loads the tool manifest published by the image build, if
// any. A missing manifest falls back to the built-in default schema; a
// present but invalid manifest is a configuration error, since deploying an
// agent against a schema the image disowns is exactly the drift this
// manifest exists to prevent.
func resolveToolSchema(ctx context.Context, client S3Client, bucket string) (*ToolSchema, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(toolManifestKey),
	})
	if err != nil {
		if isNotFound(err) {
			log.Printf("pipeline: no tool manifest at s3://%s/%s, using default schema", bucket, toolManifestKey)
			return defaultToolSchema(), nil
		}
		return nil, fmt.Errorf("get tool manifest: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read tool manifest: %w", err)
	}

	var schema ToolSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, &PipelineError{
			Category: ErrCategoryConfiguration,
			Resource: toolManifestKey,
			Op:       "parse tool manifest",
			Message:  err.Error(),
			Cause:    err,
		}
	}
	if err := schema.validate(); err != nil {
		return nil, &PipelineError{
			Category: ErrCategoryConfiguration,
			Resource: toolManifestKey,
			Op:       "validate tool manifest",
			Message:  err.Error(),
			Cause:    err,
		}
	}

	log.Printf("pipeline: using tool manifest from s3://%s/%s (%d tools)", bucket, toolManifestKey, len(schema.Tools))
	return &schema, nil
}
