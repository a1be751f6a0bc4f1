package classify

import "encoding/json"

// RequestFlag is one categorical tag the classifier may attach to a request.
type RequestFlag string

const (
	FlagRoad        RequestFlag = "road"
	FlagSidewalk    RequestFlag = "sidewalk"
	FlagGraffiti    RequestFlag = "graffiti"
	FlagStreetlight RequestFlag = "streetlight"
	FlagSanitation  RequestFlag = "sanitation"
	FlagWater       RequestFlag = "water"
	FlagVegetation  RequestFlag = "vegetation"
	FlagVehicle     RequestFlag = "vehicle"
	FlagNoise       RequestFlag = "noise"
	FlagSafety      RequestFlag = "safety"
	FlagOther       RequestFlag = "other"
)

// AllFlags enumerates every valid RequestFlag, in schema order.
var AllFlags = []RequestFlag{
	FlagRoad, FlagSidewalk, FlagGraffiti, FlagStreetlight, FlagSanitation,
	FlagWater, FlagVegetation, FlagVehicle, FlagNoise, FlagSafety, FlagOther,
}

// Verdict is the structured classifier output for one request.
type Verdict struct {
	Priority            int           `json:"priority"`
	Flag                []RequestFlag `json:"flag"`
	PriorityExplanation string        `json:"priority_explanation"`
	FlagExplanation     string        `json:"flag_explanation"`
	IncidentLabel       string        `json:"incident_label"`
}

// batchVerdict is the top-level object the model is asked to produce: one
// verdict per user message, in order.
type batchVerdict struct {
	Requests []Verdict `json:"requests"`
}

// verdictSchema is the JSON schema handed to the structured-response
// endpoint. Built once at init; the flag enum tracks AllFlags.
var verdictSchema = func() json.RawMessage {
	flags := make([]string, len(AllFlags))
	for i, f := range AllFlags {
		flags[i] = string(f)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"requests": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"priority": map[string]any{
							"type":    "integer",
							"minimum": 0,
							"maximum": 100,
						},
						"flag": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string", "enum": flags},
						},
						"priority_explanation": map[string]any{"type": "string"},
						"flag_explanation":     map[string]any{"type": "string"},
						"incident_label":       map[string]any{"type": "string"},
					},
					"required": []string{
						"priority", "flag", "priority_explanation",
						"flag_explanation", "incident_label",
					},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"requests"},
		"additionalProperties": false,
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}()
