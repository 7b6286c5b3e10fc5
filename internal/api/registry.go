package api

import (
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
)

// DatabaseInfo describes a reference database for the API response.
type DatabaseInfo struct {
	reference.Catalog
	// Default is set when the database is classified when a run names none.
	Default bool   `json:"default"`
	Suffix  string `json:"suffix,omitempty"`
}

// DatabaseRegistry exposes the shipped reference databases and the default selection.
type DatabaseRegistry struct {
	defaults []pipeline.DatabaseConfig
	title    string
}

// NewDatabaseRegistry creates a new database registry.
func NewDatabaseRegistry(defaults []pipeline.DatabaseConfig, title string) *DatabaseRegistry {
	return &DatabaseRegistry{defaults: defaults, title: title}
}

// Get returns the catalog entry for a database, or false if not found.
func (r *DatabaseRegistry) Get(name string) (reference.Catalog, bool) {
	return reference.Lookup(name)
}

// Defaults returns the databases classified when a run names none.
func (r *DatabaseRegistry) Defaults() []pipeline.DatabaseConfig {
	return r.defaults
}

// Title returns the configured site title.
func (r *DatabaseRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "OWT classification"
}

// Databases returns info for all shipped databases.
func (r *DatabaseRegistry) Databases() []DatabaseInfo {
	catalogs := reference.Databases()
	infos := make([]DatabaseInfo, 0, len(catalogs))
	for _, c := range catalogs {
		info := DatabaseInfo{Catalog: c}
		for _, d := range r.defaults {
			if d.Name == c.Name {
				info.Default = true
				info.Suffix = d.Suffix
				break
			}
		}
		infos = append(infos, info)
	}
	return infos
}
