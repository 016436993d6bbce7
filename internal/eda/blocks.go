package eda

// RenderAs hints how a client should present an analysis block.
type RenderAs string

const (
	RenderKeyValuePairs RenderAs = "KEY_VALUE_PAIRS"
	RenderTable         RenderAs = "TABLE"
	RenderBarChart      RenderAs = "BAR_CHART"
	RenderHistogram     RenderAs = "HISTOGRAM"
	RenderHeatmap       RenderAs = "HEATMAP"
	RenderBoxPlot       RenderAs = "BOX_PLOT"
	RenderMatrix        RenderAs = "MATRIX"
	RenderTextBlock     RenderAs = "TEXT_BLOCK"
	RenderAlertList     RenderAs = "ALERT_LIST"
)

// Block is one self-describing analysis result fragment.
type Block struct {
	Title       string      `json:"title"`
	RenderAs    RenderAs    `json:"render_as"`
	Data        interface{} `json:"data"`
	Description string      `json:"description,omitempty"`
}

// Response is the full profile document for one table at one commit.
type Response struct {
	Metadata      Block              `json:"metadata"`
	GlobalSummary []Block            `json:"global_summary"`
	Variables     map[string][]Block `json:"variables"`
	Interactions  []Block            `json:"interactions"`
	Alerts        Block              `json:"alerts"`
}

// Column categories the profiler distinguishes.
const (
	CategoryNumeric     = "numeric"
	CategoryCategorical = "categorical"
	CategoryDatetime    = "datetime"
	CategoryText        = "text"
	CategoryBoolean     = "boolean"
	CategoryUnknown     = "unknown"
)

// Alert is one entry of the ALERT_LIST block.
type Alert struct {
	Severity string `json:"severity"`
	Column   string `json:"column,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}
