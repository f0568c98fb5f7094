package storage

import (
	"context"
)

// ActiveRecipients returns active recipients, oldest first.
func (s *Store) ActiveRecipients(ctx context.Context) ([]Recipient, error) {
	var out []Recipient
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("created_at asc").Find(&out).Error
	return out, translate(err)
}

// ListRecipients returns recipients newest first. Inactive ones are
// included only when all is set.
func (s *Store) ListRecipients(ctx context.Context, all bool) ([]Recipient, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if !all {
		q = q.Where("active = ?", true)
	}
	var out []Recipient
	return out, translate(q.Find(&out).Error)
}

func (s *Store) GetRecipient(ctx context.Context, id string) (Recipient, error) {
	var r Recipient
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	return r, translate(err)
}

// CreateRecipient normalizes and validates r, then inserts it as active.
func (s *Store) CreateRecipient(ctx context.Context, r Recipient) (Recipient, error) {
	r.ID = ""
	r.Active = true
	normalizeRecipient(&r)
	if err := r.Validate(); err != nil {
		return Recipient{}, err
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return Recipient{}, translate(err)
	}
	return r, nil
}

func (s *Store) UpdateRecipient(ctx context.Context, id string, p RecipientPatch) (Recipient, error) {
	r, err := s.GetRecipient(ctx, id)
	if err != nil {
		return Recipient{}, err
	}
	if p.Phone != nil {
		r.Phone = *p.Phone
	}
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	normalizeRecipient(&r)
	if err := r.Validate(); err != nil {
		return Recipient{}, err
	}
	if err := s.db.WithContext(ctx).Save(&r).Error; err != nil {
		return Recipient{}, translate(err)
	}
	return r, nil
}

// DeactivateRecipient is the soft delete.
func (s *Store) DeactivateRecipient(ctx context.Context, id string) (Recipient, error) {
	off := false
	return s.UpdateRecipient(ctx, id, RecipientPatch{Active: &off})
}

func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Recipient{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
