package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted record into <root>/quarantine and returns the
// new path.
func Quarantine(root, filePath string) (string, error) {
	quarantineDir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath.bak when the backup is a
// valid record of fileType.
func RestoreFromBackup(filePath string, fileType FileType) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if _, err := CheckHeader(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores it from its backup.
// The returned quarantine path is set even when the restore fails.
func RecoverCorruptedFile(root, filePath string, fileType FileType) (string, error) {
	quarantined, err := Quarantine(root, filePath)
	if err != nil {
		return "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, fileType); err != nil {
		return quarantined, err
	}
	return quarantined, nil
}
