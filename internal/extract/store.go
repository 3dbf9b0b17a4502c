package extract

import "context"

// Store is the persistence interface for task state.
type Store interface {
	Get(ctx context.Context, id string) (*Task, bool, error)
	List(ctx context.Context) ([]*Task, error)
	Put(ctx context.Context, task *Task) error
}
