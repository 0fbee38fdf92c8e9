package hostsync

import (
	"errors"

	"gorm.io/gorm"
)

// entityIndex is the once-per-run lookup map for an upstream-id keyed
// table. When the table exceeds the preload threshold it degrades to
// per-record queries, caching what it sees.
type entityIndex[T any] struct {
	preloaded bool
	byId      map[int64]*T
	key       func(*T) int64
}

func loadIndex[T any](rc *runContext, key func(*T) int64) (*entityIndex[T], error) {
	idx := &entityIndex[T]{byId: map[int64]*T{}, key: key}
	var probe T
	if !rc.shouldPreload(&probe) {
		return idx, nil
	}
	var rows []*T
	if err := rc.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		idx.byId[key(row)] = row
	}
	idx.preloaded = true
	return idx, nil
}

func (idx *entityIndex[T]) get(rc *runContext, id int64) (*T, error) {
	if row, ok := idx.byId[id]; ok {
		return row, nil
	}
	if idx.preloaded {
		return nil, nil
	}
	var row T
	if err := rc.db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	idx.byId[idx.key(&row)] = &row
	return &row, nil
}

func (idx *entityIndex[T]) put(row *T) {
	idx.byId[idx.key(row)] = row
}

func (idx *entityIndex[T]) remove(id int64) {
	delete(idx.byId, id)
}

func (idx *entityIndex[T]) has(rc *runContext, id int64) (bool, error) {
	row, err := idx.get(rc, id)
	return row != nil, err
}
