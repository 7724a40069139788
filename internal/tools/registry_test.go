package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

func TestBuildDefaultRegistry(t *testing.T) {
	reg, err := BuildDefault(0, nil, map[string]time.Duration{WeatherTool: 5 * time.Second})
	if err != nil {
		t.Fatalf("BuildDefault() error = %v", err)
	}

	names := reg.Names()
	want := []string{CalculatorTool, TimeZoneTool, WeatherTool}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", names, want)
	}

	tz, ok := reg.Resolve(TimeZoneTool)
	if !ok || tz.Site != models.SiteLocal || tz.Timeout != DefaultTimeout {
		t.Fatalf("unexpected time zone descriptor: %+v", tz)
	}
	w, ok := reg.Resolve(WeatherTool)
	if !ok || w.Site != models.SiteRemote || w.Timeout != 5*time.Second {
		t.Fatalf("unexpected weather descriptor: %+v", w)
	}
	if _, ok := reg.Resolve("launch_missiles"); ok {
		t.Fatal("expected unknown tool to be unresolved")
	}
}

func TestBuildDefaultEnabledFilter(t *testing.T) {
	reg, err := BuildDefault(time.Second, []string{TimeZoneTool}, nil)
	if err != nil {
		t.Fatalf("BuildDefault() error = %v", err)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != TimeZoneTool {
		t.Fatalf("Names() = %v", got)
	}
	d, _ := reg.Resolve(TimeZoneTool)
	if d.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", d.Timeout)
	}
}

func TestBuilderRejectsBadDescriptors(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	tests := []struct {
		name string
		desc []Descriptor
	}{
		{name: "bad name", desc: []Descriptor{{Name: "has space", Site: models.SiteLocal, Handler: noop}}},
		{name: "local without handler", desc: []Descriptor{{Name: "a", Site: models.SiteLocal}}},
		{name: "remote with handler", desc: []Descriptor{{Name: "a", Site: models.SiteRemote, Handler: noop}}},
		{name: "missing site", desc: []Descriptor{{Name: "a", Handler: noop}}},
		{name: "bad schema", desc: []Descriptor{{Name: "a", Site: models.SiteRemote, Schema: json.RawMessage(`{"type":12}`)}}},
		{name: "duplicate", desc: []Descriptor{
			{Name: "a", Site: models.SiteRemote},
			{Name: "a", Site: models.SiteRemote},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(0)
			for _, d := range tt.desc {
				b.Register(d)
			}
			if _, err := b.Build(); err == nil {
				t.Fatal("Build() expected error")
			}
		})
	}
}

func TestDescriptorValidate(t *testing.T) {
	reg, err := BuildDefault(0, nil, nil)
	if err != nil {
		t.Fatalf("BuildDefault() error = %v", err)
	}
	calc, _ := reg.Resolve(CalculatorTool)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{name: "valid", args: `{"operation":"add","a":1,"b":2}`},
		{name: "bad enum", args: `{"operation":"power","a":1,"b":2}`, wantErr: true},
		{name: "missing field", args: `{"operation":"add","a":1}`, wantErr: true},
		{name: "wrong type", args: `{"operation":"add","a":"one","b":2}`, wantErr: true},
		{name: "not json", args: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calc.Validate(json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefinitionsCarrySchema(t *testing.T) {
	reg, _ := BuildDefault(0, nil, nil)
	for _, def := range reg.Definitions() {
		var schema map[string]any
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			t.Fatalf("%s schema is not JSON: %v", def.Name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s schema type = %v", def.Name, schema["type"])
		}
		if _, ok := schema["$schema"]; ok {
			t.Errorf("%s schema should not carry $schema", def.Name)
		}
	}
}

func TestTimeZoneHandler(t *testing.T) {
	d := TimeZoneDescriptor()
	out, err := d.Handler(context.Background(), json.RawMessage(`{"location":"Seattle"}`))
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	var got string
	_ = json.Unmarshal(out, &got)
	if !strings.HasPrefix(got, "Pacific Time") {
		t.Fatalf("time zone = %q", got)
	}
	if got := LookupTimeZone("Atlantis"); got != "Time zone not available for Atlantis" {
		t.Errorf("LookupTimeZone(Atlantis) = %q", got)
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		args    CalculatorArgs
		want    float64
		wantErr string
	}{
		{args: CalculatorArgs{Operation: "add", A: 2, B: 3}, want: 5},
		{args: CalculatorArgs{Operation: "subtract", A: 2, B: 3}, want: -1},
		{args: CalculatorArgs{Operation: "multiply", A: 2, B: 3}, want: 6},
		{args: CalculatorArgs{Operation: "divide", A: 3, B: 2}, want: 1.5},
		{args: CalculatorArgs{Operation: "divide", A: 3, B: 0}, wantErr: "division by zero"},
		{args: CalculatorArgs{Operation: "modulo", A: 3, B: 2}, wantErr: "invalid operation"},
	}
	for _, tt := range tests {
		t.Run(tt.args.Operation, func(t *testing.T) {
			res, err := Calculate(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Calculate() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if res.Result != tt.want || res.Operands != [2]float64{tt.args.A, tt.args.B} {
				t.Fatalf("Calculate() = %+v", res)
			}
		})
	}
}

func TestLookupWeather(t *testing.T) {
	if got := LookupWeather(" Tokyo "); got != "Clear, 70°F" {
		t.Errorf("LookupWeather(Tokyo) = %q", got)
	}
	if got := LookupWeather("Mars"); got != "Weather data not available for Mars" {
		t.Errorf("LookupWeather(Mars) = %q", got)
	}
}
