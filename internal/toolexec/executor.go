// Package toolexec implements the container-image Lambda behind every
// deployed agent's "core-tools" action group. It answers Bedrock Agent
// function invocations for a small built-in toolset and wraps each result in
// the agent response envelope.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// messageVersion is the Bedrock Agent event envelope version.
const messageVersion = "1.0"

// Parameter is one named argument of a function invocation.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// Request is the Bedrock Agent action-group invocation event. Function-style
// invocations set Function; older API-style invocations carry the tool name
// in ApiPath instead.
type Request struct {
	MessageVersion string      `json:"messageVersion,omitempty"`
	ActionGroup    string      `json:"actionGroup"`
	ApiPath        string      `json:"apiPath,omitempty"`
	Function       string      `json:"function,omitempty"`
	Parameters     []Parameter `json:"parameters,omitempty"`
}

// toolName returns the invoked tool's name regardless of invocation style.
func (r Request) toolName() string {
	if r.Function != "" {
		return r.Function
	}
	return strings.Trim(r.ApiPath, "/")
}

// paramMap flattens the parameter list into a name-to-value map.
func (r Request) paramMap() map[string]string {
	m := make(map[string]string, len(r.Parameters))
	for _, p := range r.Parameters {
		m[p.Name] = p.Value
	}
	return m
}

// Response is the function-response envelope Bedrock Agents expect back.
type Response struct {
	MessageVersion string       `json:"messageVersion"`
	Response       FunctionEcho `json:"response"`
}

// FunctionEcho echoes the invoked action group and function around the
// result body.
type FunctionEcho struct {
	ActionGroup      string           `json:"actionGroup"`
	Function         string           `json:"function"`
	FunctionResponse FunctionResponse `json:"functionResponse"`
}

// FunctionResponse holds the TEXT response body.
type FunctionResponse struct {
	ResponseBody map[string]TextBody `json:"responseBody"`
}

// TextBody is the serialized tool result.
type TextBody struct {
	Body string `json:"body"`
}

// Executor dispatches tool invocations. The clock is injectable for tests.
type Executor struct {
	now func() time.Time
}

// NewExecutor creates an Executor using the wall clock.
func NewExecutor() *Executor {
	return &Executor{now: time.Now}
}

// Handle executes one tool invocation and wraps the result. Unknown tools
// and bad arguments produce an error body, not a handler error: the agent
// relays the message to the model instead of failing the turn.
func (e *Executor) Handle(ctx context.Context, req Request) (Response, error) {
	name := req.toolName()
	params := req.paramMap()
	log.Printf("toolexec: %s invoked with %d parameters", name, len(params))

	var result any
	switch name {
	case "get_weather":
		result = e.getWeather(params)
	case "calculate":
		result = e.calculate(params)
	case "get_time":
		result = e.getTime(params)
	default:
		result = map[string]string{"error": fmt.Sprintf("Unknown tool: %s", name)}
	}

	body, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s result: %w", name, err)
	}
	return Response{
		MessageVersion: messageVersion,
		Response: FunctionEcho{
			ActionGroup: req.ActionGroup,
			Function:    req.Function,
			FunctionResponse: FunctionResponse{
				ResponseBody: map[string]TextBody{
					"TEXT": {Body: string(body)},
				},
			},
		},
	}, nil
}

// getWeather returns canned weather for the requested city.
func (e *Executor) getWeather(params map[string]string) any {
	city := params["city"]
	if city == "" {
		city = "Unknown"
	}
	return map[string]any{
		"weather":     fmt.Sprintf("Sunny in %s", city),
		"temperature": 72,
		"humidity":    65,
	}
}

// calculate adds the two operands. Unparseable operands count as zero.
func (e *Executor) calculate(params map[string]string) any {
	a, _ := strconv.ParseFloat(params["a"], 64)
	b, _ := strconv.ParseFloat(params["b"], 64)
	return map[string]any{"result": a + b}
}

// getTime reports the current time in the requested IANA timezone (UTC when
// omitted).
func (e *Executor) getTime(params map[string]string) any {
	tz := params["timezone"]
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return map[string]string{"error": fmt.Sprintf("Invalid timezone: %s", tz)}
	}
	now := e.now().In(loc)
	return map[string]string{
		"time":     now.Format("03:04 PM"),
		"date":     now.Format("2006-01-02"),
		"day":      now.Format("Monday"),
		"timezone": tz,
	}
}
