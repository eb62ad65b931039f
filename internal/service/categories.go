package service

import (
	"context"
	"strings"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
)

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return store.ListAs[domain.Category](ctx, s.repo, domain.CollectionCategories, store.Query{})
}

func (s *Service) CreateCategory(ctx context.Context, name string, image string) (domain.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, ErrInvalidInput
	}
	image, err := s.compressImage(image)
	if err != nil {
		return domain.Category{}, err
	}

	category := domain.Category{Name: name, Image: image, DateCreated: s.tracker.Now()}
	err = s.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := ensureCategoryNameFree(ctx, tx, name, ""); err != nil {
			return err
		}
		return s.tracker.Put(ctx, tx, domain.CollectionCategories, &category)
	})
	if err != nil {
		return domain.Category{}, err
	}
	return category, nil
}

// RenameCategory renames a category and rewrites the category field of every
// item that referenced the old name, all in one transaction. It returns the
// number of items rewritten.
func (s *Service) RenameCategory(ctx context.Context, uuid string, newName string) (domain.Category, int, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return domain.Category{}, 0, ErrInvalidInput
	}

	var (
		category domain.Category
		moved    int
	)
	err := s.repo.RunInTx(ctx, func(tx store.Records) error {
		moved = 0
		if err := store.Load(ctx, tx, domain.CollectionCategories, uuid, &category); err != nil {
			return err
		}
		oldName := category.Name
		if oldName == newName {
			return nil
		}
		if err := ensureCategoryNameFree(ctx, tx, newName, uuid); err != nil {
			return err
		}

		items, err := store.ListAs[domain.InventoryItem](ctx, tx, domain.CollectionInventory, store.Query{Field: "category", Equals: oldName})
		if err != nil {
			return err
		}
		for i := range items {
			items[i].Category = newName
			if err := s.tracker.Put(ctx, tx, domain.CollectionInventory, &items[i]); err != nil {
				return err
			}
			moved++
		}

		category.Name = newName
		return s.tracker.Put(ctx, tx, domain.CollectionCategories, &category)
	})
	if err != nil {
		return domain.Category{}, 0, err
	}
	return category, moved, nil
}

// DeleteCategory refuses while any item still names the category.
func (s *Service) DeleteCategory(ctx context.Context, uuid string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.RunInTx(ctx, func(tx store.Records) error {
		var category domain.Category
		if err := store.Load(ctx, tx, domain.CollectionCategories, uuid, &category); err != nil {
			return err
		}
		n, err := tx.Count(ctx, domain.CollectionInventory, store.Query{Field: "category", Equals: category.Name})
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrCategoryInUse
		}
		return s.tracker.Remove(ctx, tx, domain.CollectionCategories, uuid)
	})
}

func ensureCategoryNameFree(ctx context.Context, r store.Records, name string, exceptUUID string) error {
	categories, err := store.ListAs[domain.Category](ctx, r, domain.CollectionCategories, store.Query{})
	if err != nil {
		return err
	}
	for _, c := range categories {
		if c.UUID != exceptUUID && strings.EqualFold(c.Name, name) {
			return ErrDuplicateName
		}
	}
	return nil
}
