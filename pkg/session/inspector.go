package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dockhand-labs/dockhand/pkg/store"
)

// timelineLength caps the attempts returned in an inspector report.
const timelineLength = 10

// TimelineEntry is one attempt in the inspector's history view.
type TimelineEntry struct {
	Seq       int64     `json:"seq"`
	Passed    bool      `json:"passed"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is the inspector response: the latest attempt's metrics, the
// previous attempt's, numeric deltas between them, and a short timeline.
type Report struct {
	Latest   json.RawMessage    `json:"latest_metrics"`
	Previous json.RawMessage    `json:"previous_metrics,omitempty"`
	Deltas   map[string]float64 `json:"deltas"`
	Timeline []TimelineEntry    `json:"timeline"`
}

// Inspect builds the inspector report for a session the user owns. A
// session with no attempts yields an empty report rather than an error.
func (m *Manager) Inspect(ctx context.Context, user store.User, sessionID string) (Report, error) {
	if _, err := m.owned(ctx, user, sessionID); err != nil {
		return Report{}, err
	}

	report := Report{Deltas: map[string]float64{}, Timeline: []TimelineEntry{}}

	latest, previous, err := m.store.LatestAttempts(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return report, nil
		}
		return Report{}, err
	}

	report.Latest = latest.Metrics
	if previous != nil {
		report.Previous = previous.Metrics
		report.Deltas = metricDeltas(latest.Metrics, previous.Metrics)
	}

	attempts, err := m.store.ListAttempts(ctx, sessionID, timelineLength)
	if err != nil {
		return Report{}, err
	}
	for _, a := range attempts {
		report.Timeline = append(report.Timeline, TimelineEntry{
			Seq:       a.Seq,
			Passed:    a.Passed,
			CreatedAt: a.CreatedAt,
		})
	}

	return report, nil
}

// metricDeltas computes latest minus previous for every numeric path
// present in both metric trees. Paths are dotted, e.g. "build.image_size_mb".
func metricDeltas(latest, previous json.RawMessage) map[string]float64 {
	latestFlat := flattenMetrics(latest)
	previousFlat := flattenMetrics(previous)

	deltas := make(map[string]float64)
	for path, v := range latestFlat {
		if prev, ok := previousFlat[path]; ok {
			deltas[path] = v - prev
		}
	}
	return deltas
}

// flattenMetrics walks a nested metrics object collecting numeric leaves
// under dotted paths. Non-numeric leaves are skipped.
func flattenMetrics(raw json.RawMessage) map[string]float64 {
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}

	flat := make(map[string]float64)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			switch v := node[k].(type) {
			case float64:
				flat[path] = v
			case map[string]any:
				walk(path, v)
			}
		}
	}
	walk("", tree)
	return flat
}
