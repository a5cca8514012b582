// Package facematch holds the numeric and normalization helpers shared by the
// clusterer, the centroid manager and the suggestion engine.
package facematch
