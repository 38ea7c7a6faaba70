package runner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/correlator-io/queryengine/internal/recentwrites"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

// SpeedLayerResult is what the recent-writes runner returns: unlike
// the batch-layer runners it cannot produce fully projected rows (the
// speed-layer cache holds whole resources, not pre-joined columns), so
// it reports the patient ids a cohort query would additionally match
// plus the raw resources behind them.
type SpeedLayerResult struct {
	ViewName       string
	Source         string
	TotalCount     int
	PatientIDs     []string
	Resources      []map[string]any
	QueryTimestamp time.Time
	Since          time.Time
}

// RecentWritesRunner answers queries from the speed-layer cache:
// resources written since the last materialized-view refresh that the
// batch layer does not yet reflect.
type RecentWritesRunner struct {
	store  recentwrites.Store
	logger *slog.Logger
}

// NewRecentWritesRunner creates a RecentWritesRunner over store.
func NewRecentWritesRunner(store recentwrites.Store, logger *slog.Logger) *RecentWritesRunner {
	return &RecentWritesRunner{store: store, logger: logger}
}

// Execute scans the cache for view's resource type, optionally
// restricted to entries cached at or after since (defaulting to 24h
// ago), applies the subset of filters the cache can answer without a
// document store, and returns at most limit resources.
func (r *RecentWritesRunner) Execute(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int, since time.Time,
) (SpeedLayerResult, error) {
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	entries, err := r.store.ScanSince(ctx, view.Kind, since)
	if err != nil {
		return SpeedLayerResult{}, err
	}

	r.logger.Info("runner: recent-writes scan complete",
		slog.String("view", view.Name), slog.String("resource_type", view.Kind),
		slog.Int("found", len(entries)))

	resources := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, e.Resource)
	}

	if len(filters) > 0 {
		resources = applyFilters(resources, filters)
	}

	if limit > 0 && len(resources) > limit {
		resources = resources[:limit]
	}

	patientIDs := extractPatientIDs(view.Kind, resources)

	return SpeedLayerResult{
		ViewName:       view.Name,
		Source:         "speed_layer",
		TotalCount:     len(patientIDs),
		PatientIDs:     patientIDs,
		Resources:      resources,
		QueryTimestamp: time.Now(),
		Since:          since,
	}, nil
}

// applyFilters narrows resources to those matching a small set of
// well-known filters (gender, code); anything else is left unfiltered
// since the speed layer's payload shape is not guaranteed to carry
// every search parameter a view might want.
func applyFilters(resources []map[string]any, filters map[string]any) []map[string]any {
	filtered := resources

	if gender, ok := filterString(filters, "gender"); ok {
		want := strings.ToLower(gender)

		next := make([]map[string]any, 0, len(filtered))

		for _, r := range filtered {
			if g, _ := r["gender"].(string); strings.ToLower(g) == want {
				next = append(next, r)
			}
		}

		filtered = next
	}

	if code, ok := filterString(filters, "code"); ok {
		next := make([]map[string]any, 0, len(filtered))

		for _, r := range filtered {
			if matchesCode(r, code) {
				next = append(next, r)
			}
		}

		filtered = next
	}

	return filtered
}

// filterString reads a named filter as a string, the only value shape
// the speed-layer's small supported filter subset (gender, code)
// accepts.
func filterString(filters map[string]any, name string) (string, bool) {
	v, ok := filters[name]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

func matchesCode(resource map[string]any, codeValue string) bool {
	codeField, _ := resource["code"].(map[string]any)
	if codeField == nil {
		return false
	}

	if codings, ok := codeField["coding"].([]any); ok {
		for _, c := range codings {
			coding, _ := c.(map[string]any)
			if coding == nil {
				continue
			}

			if code, _ := coding["code"].(string); code == codeValue {
				return true
			}
		}
	}

	if text, ok := codeField["text"].(string); ok {
		if strings.Contains(strings.ToLower(text), strings.ToLower(codeValue)) {
			return true
		}
	}

	return false
}

// extractPatientIDs pulls the subject patient id out of every
// resource: Patient resources use their own id, everything else reads
// its subject reference ("Patient/<id>"); other reference fields are
// not read.
func extractPatientIDs(resourceType string, resources []map[string]any) []string {
	seen := make(map[string]bool)

	var ids []string

	for _, r := range resources {
		var id string

		if resourceType == "Patient" {
			id, _ = r["id"].(string)
		} else {
			subject, _ := r["subject"].(map[string]any)
			if subject != nil {
				ref, _ := subject["reference"].(string)
				if strings.HasPrefix(ref, "Patient/") {
					id = strings.TrimPrefix(ref, "Patient/")
				}
			}
		}

		if id == "" || seen[id] {
			continue
		}

		seen[id] = true
		ids = append(ids, id)
	}

	return ids
}
