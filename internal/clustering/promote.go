package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
)

// PromoteResult is the person a cluster became.
type PromoteResult struct {
	Person  *database.Person        `json:"person"`
	Faces   []database.FaceInstance `json:"faces"`
	Created bool                    `json:"created"`
}

// PromoteCluster turns a provisional cluster into a person. With a name that
// matches an existing person the faces join that person; otherwise a new
// person is created, named or as an unnamed group.
func (c *Clusterer) PromoteCluster(ctx context.Context, clusterID, name string) (*PromoteResult, error) {
	if clusterID == "" {
		return nil, &database.ValidationError{Field: "cluster_id", Reason: "required"}
	}
	faces, err := c.store.ListFaces(ctx, database.FaceFilter{ClusterID: clusterID, Unassigned: true})
	if err != nil {
		return nil, fmt.Errorf("listing cluster faces: %w", err)
	}
	if len(faces) == 0 {
		return nil, &database.NotFoundError{Entity: "cluster", ID: clusterID}
	}

	assignments := make([]database.FaceAssignment, len(faces))
	for i := range faces {
		assignments[i] = database.FaceAssignment{FaceID: faces[i].ID, ExpectedRevision: faces[i].Revision}
	}

	name = strings.TrimSpace(name)
	res := &PromoteResult{}
	if name != "" {
		existing, err := c.store.FindPersonByName(ctx, name)
		switch {
		case err == nil:
			res.Person = existing
		case !errors.Is(err, database.ErrNotFound):
			return nil, fmt.Errorf("looking up person %q: %w", name, err)
		}
	}

	if res.Person != nil {
		pid := res.Person.ID
		for i := range assignments {
			assignments[i].PersonID = &pid
		}
		res.Faces, err = c.store.ApplyAssignments(ctx, assignments)
	} else {
		person := &database.Person{Name: name, Status: database.PersonUnnamedGroup}
		if name != "" {
			person.Status = database.PersonNamed
		}
		res.Faces, err = c.store.CreatePersonWithFaces(ctx, person, assignments)
		res.Person, res.Created = person, true
	}
	if err != nil {
		return nil, fmt.Errorf("promoting cluster %s: %w", clusterID, err)
	}

	c.logger.Info("cluster promoted",
		zap.String("cluster_id", clusterID),
		zap.String("person_id", res.Person.ID.String()),
		zap.Int("faces", len(res.Faces)))
	if err := c.sync.PropagateFaces(ctx, res.Faces); err != nil {
		c.logger.Error("propagating promoted cluster", zap.Error(err))
	}
	return res, nil
}
