package aggregate

import (
	"strings"

	"github.com/noah-isme/classroom-sync/internal/models"
)

// ResourceMatches reports whether r passes the search. query matches the name
// or any tag, kind matches the type; both are case-insensitive substrings and
// an empty value matches everything.
func ResourceMatches(r models.Resource, query, kind string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	k := strings.ToLower(strings.TrimSpace(kind))

	if k != "" && !strings.Contains(strings.ToLower(r.Type), k) {
		return false
	}
	if q == "" || strings.Contains(strings.ToLower(r.Name), q) {
		return true
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// FilterResources returns the resources visible under the search.
func FilterResources(resources []models.Resource, query, kind string) []models.Resource {
	out := make([]models.Resource, 0, len(resources))
	for _, r := range resources {
		if ResourceMatches(r, query, kind) {
			out = append(out, r)
		}
	}
	return out
}

// Dismissed is the viewer-local set of hidden announcement ids.
type Dismissed map[string]struct{}

// With returns a set that also holds id. The receiver is left untouched and
// returned as is when id is already present.
func (d Dismissed) With(id string) Dismissed {
	if _, ok := d[id]; ok {
		return d
	}
	out := make(Dismissed, len(d)+1)
	for k := range d {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

// Has reports whether id was dismissed.
func (d Dismissed) Has(id string) bool {
	_, ok := d[id]
	return ok
}

// VisibleAnnouncements drops dismissed announcements.
func VisibleAnnouncements(anns []models.Announcement, dismissed Dismissed) []models.Announcement {
	out := make([]models.Announcement, 0, len(anns))
	for _, a := range anns {
		if !dismissed.Has(a.ID) {
			out = append(out, a)
		}
	}
	return out
}
