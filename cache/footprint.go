package cache

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// CheckFootprint compares the stored application footprint with app.
//
// A missing or different footprint means the application was installed
// fresh or reinstalled: the whole package cache is cleared and a new marker,
// carrying a new install id, is written. It reports whether the cache was reset.
func (s *Store) CheckFootprint(app string) (bool, error) {
	path := filepath.Join(s.root, footprintName)
	var rec footprintRecord
	err := readCBOR(path, &rec)
	switch {
	case err == nil && rec.App == app:
		return false, nil
	case err == nil:
		s.logger.Info("application footprint changed, clearing cache", "previous", rec.App, "current", app)
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debug("no application footprint, clearing cache", "current", app)
	default:
		s.logger.Warn("unreadable application footprint, clearing cache", "error", err)
	}
	if err := s.Clear(); err != nil {
		return false, err
	}
	rec = footprintRecord{App: app, InstallID: uuid.NewString()}
	if err := writeCBOR(path, rec, defaultFilePerm); err != nil {
		return true, err
	}
	return true, nil
}

// InstallID returns the id recorded by the last footprint reset.
func (s *Store) InstallID() (string, error) {
	var rec footprintRecord
	if err := readCBOR(filepath.Join(s.root, footprintName), &rec); err != nil {
		return "", err
	}
	return rec.InstallID, nil
}
