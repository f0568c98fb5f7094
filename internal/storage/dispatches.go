package storage

import (
	"context"
	"encoding/json"

	logx "remindbot/pkg/logx"
)

// AppendDispatch stores a broadcast outcome. Old records beyond the
// retention limit are pruned every few appends.
func (s *Store) AppendDispatch(ctx context.Context, d DispatchRecord) error {
	if len(d.Failures) > 0 {
		b, err := json.Marshal(d.Failures)
		if err != nil {
			return err
		}
		d.FailuresJSON = string(b)
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return translate(err)
	}
	if s.retain > 0 && s.pruneEvery > 0 && s.appends.Add(1)%s.pruneEvery == 0 {
		if n, err := s.pruneDispatches(ctx); err != nil {
			s.log.Warn("dispatch prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("dispatches pruned", logx.Int64("rows", n))
		}
	}
	return nil
}

// RecentDispatches returns up to limit records, newest first.
func (s *Store) RecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []DispatchRecord
	if err := s.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	for i := range out {
		if out[i].FailuresJSON == "" {
			continue
		}
		if err := json.Unmarshal([]byte(out[i].FailuresJSON), &out[i].Failures); err != nil {
			s.log.Warn("dispatch failures unreadable", logx.String("id", out[i].ID), logx.Err(err))
		}
	}
	return out, nil
}

func (s *Store) pruneDispatches(ctx context.Context) (int64, error) {
	keep := s.db.WithContext(ctx).Model(&DispatchRecord{}).Select("id").Order("started_at desc").Limit(s.retain)
	res := s.db.WithContext(ctx).Where("id NOT IN (?)", keep).Delete(&DispatchRecord{})
	return res.RowsAffected, res.Error
}
