package centroid

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
)

// BatchResult summarises BuildAll.
type BatchResult struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// BuildAll builds the global centroid of every named person. One person's
// failure does not stop the batch. progress, if set, is called after each person.
func (m *Manager) BuildAll(
	ctx context.Context, bo BuildOptions, progress func(done, total int),
) (*BatchResult, error) {
	persons, err := m.store.ListPersons(ctx, database.PersonNamed)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}

	bo.Type = database.CentroidGlobal
	bo.ClusterLabel = ""
	res := &BatchResult{}
	for i, p := range persons {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		br, err := m.Build(ctx, p.ID, bo)
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			m.logger.Warn("centroid build failed", zap.String("person_id", p.ID.String()), zap.Error(err))
		case br.Outcome == OutcomePromoted:
			res.Created++
		default:
			res.Skipped++
		}
		if progress != nil {
			progress(i+1, len(persons))
		}
	}
	return res, nil
}
