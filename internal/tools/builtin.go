package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

// Built-in tool names.
const (
	TimeZoneTool   = "get_time_zone"
	CalculatorTool = "calculator"
	WeatherTool    = "get_weather"
)

// LocationArgs is the argument shape for location lookups.
type LocationArgs struct {
	Location string `json:"location" jsonschema:"description=The city or location name,minLength=1"`
}

// CalculatorArgs is the argument shape for the calculator.
type CalculatorArgs struct {
	Operation string  `json:"operation" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

// CalculatorResult is returned by the calculator tool.
type CalculatorResult struct {
	Operation string     `json:"operation"`
	Operands  [2]float64 `json:"operands"`
	Result    float64    `json:"result"`
}

var timeZones = map[string]string{
	"seattle":       "Pacific Time (UTC-8)",
	"san francisco": "Pacific Time (UTC-8)",
	"new york":      "Eastern Time (UTC-5)",
	"london":        "Greenwich Mean Time (UTC+0)",
	"tokyo":         "Japan Standard Time (UTC+9)",
	"sydney":        "Australian Eastern Time (UTC+10)",
	"paris":         "Central European Time (UTC+1)",
	"mumbai":        "India Standard Time (UTC+5:30)",
}

var weather = map[string]string{
	"seattle":       "Rainy, 55°F",
	"san francisco": "Foggy, 62°F",
	"new york":      "Sunny, 68°F",
	"london":        "Cloudy, 52°F",
	"tokyo":         "Clear, 70°F",
	"sydney":        "Sunny, 75°F",
	"paris":         "Partly cloudy, 65°F",
	"mumbai":        "Hot and humid, 85°F",
}

// KnownLocations returns the cities the built-in lookups know about, in
// sorted order.
func KnownLocations() []string {
	out := make([]string, 0, len(timeZones))
	for city := range timeZones {
		out = append(out, city)
	}
	sort.Strings(out)
	return out
}

// LookupTimeZone returns the time zone for a known city.
func LookupTimeZone(location string) string {
	if tz, ok := timeZones[strings.ToLower(strings.TrimSpace(location))]; ok {
		return tz
	}
	return "Time zone not available for " + location
}

// LookupWeather returns canned weather for a known city.
func LookupWeather(location string) string {
	if w, ok := weather[strings.ToLower(strings.TrimSpace(location))]; ok {
		return w
	}
	return "Weather data not available for " + location
}

// Calculate applies a basic arithmetic operation.
func Calculate(args CalculatorArgs) (CalculatorResult, error) {
	out := CalculatorResult{Operation: args.Operation, Operands: [2]float64{args.A, args.B}}
	switch args.Operation {
	case "add":
		out.Result = args.A + args.B
	case "subtract":
		out.Result = args.A - args.B
	case "multiply":
		out.Result = args.A * args.B
	case "divide":
		if args.B == 0 {
			return CalculatorResult{}, errors.New("division by zero")
		}
		out.Result = args.A / args.B
	default:
		return CalculatorResult{}, fmt.Errorf("invalid operation: %s", args.Operation)
	}
	return out, nil
}

// TimeZoneDescriptor is the server-side get_time_zone tool.
func TimeZoneDescriptor() Descriptor {
	return Descriptor{
		Name:        TimeZoneTool,
		Description: "Get the time zone for a location.",
		Site:        models.SiteLocal,
		Schema:      SchemaFor[LocationArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args LocationArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			return json.Marshal(LookupTimeZone(args.Location))
		},
	}
}

// CalculatorDescriptor is the server-side calculator tool.
func CalculatorDescriptor() Descriptor {
	return Descriptor{
		Name:        CalculatorTool,
		Description: "Perform basic arithmetic operations.",
		Site:        models.SiteLocal,
		Schema:      SchemaFor[CalculatorArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args CalculatorArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			res, err := Calculate(args)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		},
	}
}

// WeatherDescriptor is the client-executed get_weather tool.
func WeatherDescriptor() Descriptor {
	return Descriptor{
		Name:        WeatherTool,
		Description: "Get the current weather for a location.",
		Site:        models.SiteRemote,
		Schema:      SchemaFor[LocationArgs](),
	}
}

// Builtins returns every built-in descriptor.
func Builtins() []Descriptor {
	return []Descriptor{TimeZoneDescriptor(), CalculatorDescriptor(), WeatherDescriptor()}
}

// BuildDefault registers the enabled built-ins with per-tool timeout
// overrides. An empty enabled list enables all of them.
func BuildDefault(defaultTimeout time.Duration, enabled []string, timeouts map[string]time.Duration) (*Registry, error) {
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	b := NewBuilder(defaultTimeout)
	for _, d := range Builtins() {
		if len(allow) > 0 && !allow[d.Name] {
			continue
		}
		if t, ok := timeouts[d.Name]; ok && t > 0 {
			d.Timeout = t
		}
		b.Register(d)
	}
	return b.Build()
}
