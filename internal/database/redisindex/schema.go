package redisindex

import (
	"context"
	"strconv"

	"github.com/kozaktomas/face-engine/internal/database"
)

const (
	vectorField = "vector"
	scoreField  = "__vector_score"

	hnswM              = database.HNSWMaxNeighbors
	hnswEfConstruction = 200
)

// tagFields are the payload keys indexed for filtering. Other payload keys
// are stored but cannot be filtered on.
var tagFields = []string{
	database.PayloadAssetID,
	database.PayloadFaceInstanceID,
	database.PayloadPersonID,
	database.PayloadClusterID,
	database.PayloadIsPrototype,
	database.PayloadCentroidID,
	database.PayloadModelVersion,
	database.PayloadAlgorithmVersion,
	database.PayloadCentroidType,
	database.PayloadClusterLabel,
}

// EnsureSchema creates the FT index when it does not exist yet.
func (x *Index) EnsureSchema(ctx context.Context) error {
	info := x.client.B().Arbitrary("FT.INFO").Args(x.name).Build()
	err := x.client.Do(ctx, info).Error()
	if err == nil {
		return nil
	}
	if !isRedisErr(err, "unknown index name") && !isRedisErr(err, "no such index") {
		return fail("info", err)
	}

	create := x.client.B().Arbitrary("FT.CREATE").Args(x.createArgs()...).Build()
	if err := x.client.Do(ctx, create).Error(); err != nil {
		if isRedisErr(err, "index already exists") {
			return nil
		}
		return fail("create_index", err)
	}
	return nil
}

func (x *Index) createArgs() []string {
	attrs := []string{
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(x.dim),
		"DISTANCE_METRIC", "COSINE",
		"M", strconv.Itoa(hnswM),
		"EF_CONSTRUCTION", strconv.Itoa(hnswEfConstruction),
	}
	args := []string{x.name, "ON", "HASH", "PREFIX", "1", x.prefix, "SCHEMA",
		vectorField, "VECTOR", "HNSW", strconv.Itoa(len(attrs))}
	args = append(args, attrs...)
	for _, f := range tagFields {
		// INDEXMISSING backs ismissing() filters on unassigned faces.
		args = append(args, f, "TAG", "CASESENSITIVE", "INDEXMISSING")
	}
	return args
}

// Drop removes the FT index and, with deleteDocs, every point.
func (x *Index) Drop(ctx context.Context, deleteDocs bool) error {
	args := []string{x.name}
	if deleteDocs {
		args = append(args, "DD")
	}
	cmd := x.client.B().Arbitrary("FT.DROPINDEX").Args(args...).Build()
	if err := x.client.Do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "unknown index name") || isRedisErr(err, "no such index") {
			return nil
		}
		return fail("drop_index", err)
	}
	return nil
}
