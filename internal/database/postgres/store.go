package postgres

import "github.com/kozaktomas/face-engine/internal/database"

// Store bundles every repository behind database.Store.
type Store struct {
	*PersonRepository
	*FaceRepository
	*PrototypeRepository
	*CentroidRepository
	*SuggestionRepository
	*ReconcileRepository
}

var _ database.Store = (*Store)(nil)

// NewStore creates all repositories over one pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		PersonRepository:     NewPersonRepository(pool),
		FaceRepository:       NewFaceRepository(pool),
		PrototypeRepository:  NewPrototypeRepository(pool),
		CentroidRepository:   NewCentroidRepository(pool),
		SuggestionRepository: NewSuggestionRepository(pool),
		ReconcileRepository:  NewReconcileRepository(pool),
	}
}
