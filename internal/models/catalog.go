package models

// CatalogOverview backs the landing page: every course, the teachers, and
// which courses the caller is subscribed to.
type CatalogOverview struct {
	Courses       []Course   `json:"courses"`
	Teachers      []UserInfo `json:"teachers"`
	Subscriptions []string   `json:"subscriptions"`
}
