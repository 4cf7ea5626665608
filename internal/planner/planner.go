// Package planner adapts the computer-use planning service to the closed OutputItem model
// consumed by the action loop.
package planner

import (
	"context"
	"encoding/base64"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/llmclient"
)

// SystemPrompt instructs the planner how to drive the test.
const SystemPrompt = `You are a testing agent. You will be given a list of instructions with steps to test a web application.
You will need to navigate the web application and perform the actions described in the instructions.
Try to accomplish the provided task in the simplest way possible.
Once you believe you are done with all the tasks required or you are blocked and cannot progress
(for example, you have tried multiple times to accomplish a task but keep getting errors or blocked),
use the mark_done tool to let the user know you have finished the tasks.
You do not need to authenticate on user's behalf, the user will authenticate and your flow starts after that.`

// ResponsesAPI is the transport the planner calls. *llmclient.ResponsesClient satisfies it.
type ResponsesAPI interface {
	Create(ctx context.Context, req llmclient.Request) (*llmclient.Response, error)
}

// Options configures the computer-use tool.
type Options struct {
	Model           string
	DisplayWidth    int
	DisplayHeight   int
	EnvInstructions string
}

// Client implements schemas.Planner on top of a Responses API.
type Client struct {
	api    ResponsesAPI
	opts   Options
	tools  []any
	logger *zap.Logger
}

var _ schemas.Planner = (*Client)(nil)

// New creates a planner client.
func New(api ResponsesAPI, opts Options, logger *zap.Logger) *Client {
	return &Client{
		api:  api,
		opts: opts,
		tools: []any{
			map[string]any{
				"type":           "computer_use_preview",
				"display_width":  opts.DisplayWidth,
				"display_height": opts.DisplayHeight,
				"environment":    "browser",
			},
			map[string]any{
				"type":        "function",
				"name":        schemas.MarkDoneFunction,
				"description": "Use this tool to let the user know you have finished the tasks.",
				"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
		logger: logger.Named("planner"),
	}
}

// Start opens the planning conversation with the test instructions and user info.
func (c *Client) Start(ctx context.Context, instructions, userInfo string) (*schemas.PlannerResponse, error) {
	system := SystemPrompt
	if c.opts.EnvInstructions != "" {
		system += "\nEnvironment specific instructions: " + c.opts.EnvInstructions
	}
	c.logger.Debug("Starting planner conversation",
		zap.Int("instructions_len", len(instructions)), zap.Int("user_info_len", len(userInfo)))

	input := []any{
		map[string]any{"role": "system", "content": system},
		map[string]any{"role": "user", "content": fmt.Sprintf("INSTRUCTIONS:\n%s\n\nUSER INFO:\n%s", instructions, userInfo)},
	}
	return c.call(ctx, input, "")
}

// SendScreenshot answers the last computer call with a screenshot, optionally followed by user text.
func (c *Client) SendScreenshot(ctx context.Context, in schemas.ScreenshotInput) (*schemas.PlannerResponse, error) {
	input := make([]any, 0, 2)
	if in.CallID != "" {
		input = append(input, map[string]any{
			"type":    "computer_call_output",
			"call_id": in.CallID,
			"output": map[string]any{
				"type":      "input_image",
				"image_url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(in.Screenshot),
			},
		})
	}
	if in.Text != "" {
		input = append(input, map[string]any{"role": "user", "content": in.Text})
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("screenshot input has neither a call id nor text")
	}
	c.logger.Debug("Sending screenshot to planner",
		zap.Int("screenshot_size", len(in.Screenshot)),
		zap.Bool("has_call_id", in.CallID != ""),
		zap.Bool("has_text", in.Text != ""))
	return c.call(ctx, input, in.PreviousID)
}

// SendFunctionResult acknowledges a function call.
func (c *Client) SendFunctionResult(ctx context.Context, previousID, callID string, result any) (*schemas.PlannerResponse, error) {
	if result == nil {
		result = map[string]any{}
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode function result: %w", err)
	}
	input := []any{map[string]any{
		"type":    "function_call_output",
		"call_id": callID,
		"output":  out,
	}}
	return c.call(ctx, input, previousID)
}

func (c *Client) call(ctx context.Context, input []any, previousID string) (*schemas.PlannerResponse, error) {
	resp, err := c.api.Create(ctx, llmclient.Request{
		Model:              c.opts.Model,
		Input:              input,
		Tools:              c.tools,
		ToolChoice:         "required",
		Reasoning:          &llmclient.Reasoning{GenerateSummary: "concise"},
		Truncation:         "auto",
		PreviousResponseID: previousID,
	})
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	items := parseOutput(resp.Output, c.logger)
	c.logger.Debug("Planner response received", zap.String("response_id", resp.ID), zap.Int("items", len(items)))
	return &schemas.PlannerResponse{ID: resp.ID, Output: items}, nil
}
