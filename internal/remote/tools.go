package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agui/internal/tools"
)

// WeatherHandler is the built-in client-side get_weather tool.
func WeatherHandler(ctx context.Context, req *ToolRequest) (any, error) {
	var args tools.LocationArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(args.Location) == "" {
		return nil, fmt.Errorf("location is required")
	}
	return tools.LookupWeather(args.Location), nil
}

// RegisterBuiltins registers every built-in client tool.
func (c *Client) RegisterBuiltins() {
	c.RegisterTool(tools.WeatherTool, WeatherHandler)
}
