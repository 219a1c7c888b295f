package visualdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
)

// ImageID identifies a stored image; 0 means none.
type ImageID int64

// AddImage stores img and returns its id.
func (d *Database) AddImage(ctx context.Context, img *frame.Image) (ImageID, error) {
	var id ImageID
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = insertImage(ctx, tx, img)
		return err
	})
	if err != nil {
		return 0, err
	}
	d.images.Add(id, img)
	return id, nil
}

func insertImage(ctx context.Context, tx *storage.Tx, img *frame.Image) (ImageID, error) {
	if err := img.Validate(); err != nil {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "visualdb.AddImage", err.Error())
	}
	var id int64
	err := tx.QueryRow(ctx,
		"INSERT INTO images (width, height, step, channels, data) VALUES (?, ?, ?, ?, ?) RETURNING img_id",
		img.Width, img.Height, img.Step, img.Channels, img.Data,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting image: %w", err)
	}
	return ImageID(id), nil
}

// Image returns a stored image, from the LRU when possible.
func (d *Database) Image(ctx context.Context, id ImageID) (*frame.Image, error) {
	if img, ok := d.images.Get(id); ok {
		return img, nil
	}
	img := &frame.Image{}
	err := d.store.QueryRowContext(ctx,
		"SELECT width, height, step, channels, data FROM images WHERE img_id = ?", int64(id),
	).Scan(&img.Width, &img.Height, &img.Step, &img.Channels, &img.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "visualdb.Image", "image %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading image %d: %w", id, err)
	}
	d.images.Add(id, img)
	return img, nil
}
