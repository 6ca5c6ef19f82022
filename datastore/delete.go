package datastore

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	raven "github.com/getsentry/raven-go"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/ndlib/archivegate/keystore"
)

// Backup says where DeleteProduct saves a copy of a product before
// removing it.
type Backup int

const (
	BackupNone Backup = iota
	BackupTrash
	BackupError
)

func (b Backup) String() string {
	switch b {
	case BackupTrash:
		return "trash"
	case BackupError:
		return "error"
	}
	return "none"
}

// ParseBackup reads "none", "trash", or "error". The empty string is none.
func ParseBackup(s string) (Backup, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return BackupNone, nil
	case "trash":
		return BackupTrash, nil
	case "error":
		return BackupError, nil
	}
	return BackupNone, errors.Errorf("unknown backup destination %q", s)
}

func (m *Manager) backupDir(b Backup) string {
	switch b {
	case BackupTrash:
		return m.TrashPath
	case BackupError:
		return m.ErrorPath
	}
	return ""
}

// DeleteProduct removes a product from the archive.
//
// The product is removed from every store holding it, or in safeMode only
// from the lowest priority store holding it. Before that a backup is taken
// into the directory for dest: a writable store able to move the product
// out is preferred, otherwise a zstd compressed copy is made from any store
// holding the product. A failed backup is logged and does not stop the
// deletion.
//
// Failures are collected across stores. ErrNotFound is returned only if
// the product was not removed from any store.
func (m *Manager) DeleteProduct(ctx context.Context, uuid string, dest Backup, safeMode bool) error {
	holders := m.holding(ctx, uuid, keystore.Unaltered)
	if len(holders) == 0 {
		return ErrNotFound
	}
	candidates := holders
	if safeMode {
		candidates = holders[len(holders)-1:]
	}

	var moved string
	if dir := m.backupDir(dest); dir != "" {
		var err error
		moved, err = m.backup(ctx, uuid, dir, candidates, holders)
		if err != nil {
			log.Println("Backup", uuid, dest, err)
			raven.CaptureError(err, map[string]string{"UUID": uuid, "Destination": dest.String()})
		}
	} else if dest != BackupNone {
		log.Println("Backup", uuid, dest, "no directory configured")
	}

	var deleted int
	var errs []error
	for _, s := range candidates {
		if s.Name() == moved {
			deleted++
			continue
		}
		err := s.Delete(ctx, uuid)
		switch {
		case err == nil:
			deleted++
		case isReadOnly(err), isNotFound(err):
		default:
			errs = append(errs, wrapStore(s, "delete", err))
		}
	}
	if deleted == 0 && len(errs) == 0 {
		return ErrNotFound
	}
	return fold(errs)
}

// backup saves the product into dir. It returns the name of the store the
// product was moved out of, or "" if a copy was made instead.
func (m *Manager) backup(ctx context.Context, uuid, dir string, candidates, holders []Store) (string, error) {
	for _, s := range candidates {
		mv, ok := s.(Movable)
		if !ok || !s.Restriction().CanWriteData() {
			continue
		}
		path, err := mv.MoveProduct(ctx, uuid, dir)
		if err == nil {
			log.Println("Backup", uuid, "moved to", path)
			return s.Name(), nil
		}
		log.Println("Backup move", s.Name(), uuid, err)
	}
	var errs []error
	for _, s := range holders {
		err := m.copyOut(ctx, s, uuid, dir)
		if err == nil {
			return "", nil
		}
		errs = append(errs, wrapStore(s, "backup", err))
	}
	return "", fold(errs)
}

// copyOut writes a zstd compressed copy of the product in s to
// dir/<uuid>.zst, limited by the manager's backup rate.
func (m *Manager) copyOut(ctx context.Context, s Store, uuid, dir string) error {
	p, err := s.Get(ctx, uuid)
	if err != nil {
		return err
	}
	src, err := p.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if err = os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	target := filepath.Join(dir, uuid+".zst")
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err == nil {
		_, err = io.Copy(enc, ctxReader{ctx: ctx, r: m.BackupRate.Wrap(src)})
		if err2 := enc.Close(); err == nil {
			err = err2
		}
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(target)
		return err
	}
	log.Println("Backup", uuid, "copied from", s.Name(), "to", target)
	return nil
}
