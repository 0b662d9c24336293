package doctor

import "context"

type Repository interface {
	List(ctx context.Context) ([]*Doctor, error)
	GetByID(ctx context.Context, id int64) (*Doctor, error)
	Create(ctx context.Context, d *Doctor) error
}
