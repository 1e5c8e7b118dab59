package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codevolve/internal/logging"
)

const backupTimeFormat = "20060102_150405"

// CreateBackup copies the target file to a timestamped sibling and returns
// the backup path. Backups are named <target>.backup_<YYYYMMDD_HHMMSS>.
func CreateBackup(target string) (string, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for backup: %w", target, err)
	}

	path := fmt.Sprintf("%s.backup_%s", target, time.Now().Format(backupTimeFormat))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup %s: %w", path, err)
	}
	logging.Deploy("backup created: %s", path)
	return path, nil
}

// RestoreBackup copies a backup's bytes over the target file.
func RestoreBackup(backupPath, target string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backupPath, err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", target, backupPath, err)
	}
	logging.Deploy("restored %s from %s", target, backupPath)
	return nil
}

// backupInfo pairs a backup path with its creation time, parsed from the
// filename suffix with the file mtime as fallback.
type backupInfo struct {
	path    string
	created time.Time
}

// ListBackups returns the target's backups, newest first.
func ListBackups(target string) ([]string, error) {
	infos, err := listBackupInfos(target)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.path
	}
	return paths, nil
}

func listBackupInfos(target string) ([]backupInfo, error) {
	dir := filepath.Dir(target)
	prefix := filepath.Base(target) + ".backup_"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var infos []backupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		created, err := time.ParseInLocation(backupTimeFormat,
			strings.TrimPrefix(entry.Name(), prefix), time.Local)
		if err != nil {
			if fi, ferr := entry.Info(); ferr == nil {
				created = fi.ModTime()
			}
		}
		infos = append(infos, backupInfo{path: path, created: created})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].created.After(infos[j].created)
	})
	return infos, nil
}

// CleanupBackups enforces retention for one target file: the 5 most recent
// backups are always kept regardless of age; among older ones, any past the
// retention window is deleted. Runs only after successful deployments.
func CleanupBackups(target string, retentionDays int) error {
	const alwaysKeep = 5

	infos, err := listBackupInfos(target)
	if err != nil {
		return err
	}
	if len(infos) <= alwaysKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var firstErr error
	for _, info := range infos[alwaysKeep:] {
		if !info.created.Before(cutoff) {
			continue
		}
		if err := os.Remove(info.path); err != nil {
			logging.DeployError("retention: failed to delete %s: %v", info.path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logging.DeployDebug("retention: deleted %s", info.path)
	}
	return firstErr
}
