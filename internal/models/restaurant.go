package models

type Restaurant struct {
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	ThemeColor   string `json:"theme_color,omitempty"`
	LogoURL      string `json:"logo_url,omitempty"`
	WorkingHours string `json:"working_hours,omitempty"`
}
