package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultMetarURL     = "https://aviationweather.gov/api/data/metar"
	metarRequestTimeout = 10 * time.Second
	faaCodeLength       = 3
)

// metarExcluded lists report fields that are already shown or are internal.
var metarExcluded = map[string]bool{
	"name":       true,
	"rawOb":      true,
	"metar_id":   true,
	"obsTime":    true,
	"prior":      true,
	"mostRecent": true,
}

type MetarTool struct {
	baseURL string
	client  *http.Client
}

func NewMetarTool(baseURL string) *MetarTool {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultMetarURL
	}
	return &MetarTool{
		baseURL: baseURL,
		client:  &http.Client{Timeout: metarRequestTimeout},
	}
}

func (t *MetarTool) Name() string {
	return "get_metar"
}

func (t *MetarTool) Description() string {
	return "Get METAR weather data for an airport by ICAO code"
}

func (t *MetarTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"icao_code": map[string]any{
				"type":        "string",
				"description": "3 or 4-letter airport code (e.g., GTU, KJFK)",
			},
		},
		"required": []string{"icao_code"},
	}
}

func (t *MetarTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	given, err := stringArg(args, "icao_code")
	if err != nil {
		return FailedResult(err)
	}
	code := strings.ToUpper(strings.TrimSpace(given))

	report, err := t.fetch(ctx, code)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error fetching METAR data: %v", err)).WithError(err)
	}
	// FAA identifiers for the contiguous US map to K-prefixed ICAO codes.
	if report == nil && len(code) == faaCodeLength {
		report, err = t.fetch(ctx, "K"+code)
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error fetching METAR data: %v", err)).WithError(err)
		}
	}
	if report == nil {
		return ErrorResult("No METAR data found for airport code: " + given)
	}

	return NewToolResult(report.format())
}

func (t *MetarTool) fetch(ctx context.Context, code string) (*metarReport, error) {
	q := url.Values{}
	q.Set("ids", code)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var reports []json.RawMessage
	if err := json.Unmarshal(body, &reports); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return parseMetarReport(reports[0])
}

type metarField struct {
	key   string
	value json.RawMessage
}

// metarReport keeps the fields of one report in the order the API sent them.
type metarReport struct {
	fields []metarField
}

func parseMetarReport(raw json.RawMessage) (*metarReport, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("failed to parse report: expected object")
	}

	report := &metarReport{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse report: %w", err)
		}
		key, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to parse report field %q: %w", key, err)
		}
		report.fields = append(report.fields, metarField{key: key, value: value})
	}
	return report, nil
}

func (r *metarReport) text(key, fallback string) string {
	for _, f := range r.fields {
		if f.key != key {
			continue
		}
		if s, ok := renderMetarValue(f.value); ok {
			return s
		}
	}
	return fallback
}

func (r *metarReport) format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Airport: %s\n", r.text("name", "Unknown Airport"))
	fmt.Fprintf(&sb, "Raw METAR: %s\n\n", r.text("rawOb", "No raw observation available"))
	sb.WriteString("Weather Data:\n")

	for _, f := range r.fields {
		if metarExcluded[f.key] {
			continue
		}
		value, ok := renderMetarValue(f.value)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %s: %s\n", f.key, value)
	}
	return sb.String()
}

// renderMetarValue returns false for null and empty-string values.
func renderMetarValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return string(trimmed), true
		}
		return s, s != ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String(), true
		}
	}
	return string(trimmed), true
}
