package storage

import (
	"context"
)

// ActiveTemplates returns every template the scheduler should arm.
func (s *Store) ActiveTemplates(ctx context.Context) ([]Template, error) {
	var out []Template
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("created_at asc").Find(&out).Error
	return out, translate(err)
}

func (s *Store) ListTemplates(ctx context.Context, all bool) ([]Template, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if !all {
		q = q.Where("active = ?", true)
	}
	var out []Template
	return out, translate(q.Find(&out).Error)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	var t Template
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	return t, translate(err)
}

func (s *Store) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	t.ID = ""
	t.Active = true
	normalizeTemplate(&t)
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return Template{}, translate(err)
	}
	return t, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, id string, p TemplatePatch) (Template, error) {
	t, err := s.GetTemplate(ctx, id)
	if err != nil {
		return Template{}, err
	}
	if p.Text != nil {
		t.Text = *p.Text
	}
	if p.CronTime != nil {
		t.CronTime = *p.CronTime
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Active != nil {
		t.Active = *p.Active
	}
	normalizeTemplate(&t)
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if err := s.db.WithContext(ctx).Save(&t).Error; err != nil {
		return Template{}, translate(err)
	}
	return t, nil
}

func (s *Store) DeactivateTemplate(ctx context.Context, id string) (Template, error) {
	off := false
	return s.UpdateTemplate(ctx, id, TemplatePatch{Active: &off})
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Template{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
