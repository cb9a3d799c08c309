package models

// SystemSettingInfo describes one system setting with its metadata, used by
// the settings API so the dashboard can render an editor for it.
type SystemSettingInfo struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Value        any    `json:"value"`
	Type         string `json:"type"` // "int", "bool", "string"
	DefaultValue any    `json:"default_value"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	MinValue     *int   `json:"min_value,omitempty"`
	Required     bool   `json:"required"`
}

// CategorizedSettings a list of settings grouped by category
type CategorizedSettings struct {
	CategoryName string              `json:"category_name"`
	Settings     []SystemSettingInfo `json:"settings"`
}
