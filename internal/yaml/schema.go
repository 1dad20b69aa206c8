package yaml

import (
	"errors"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the newest record layout this build writes and the
// newest it will read.
const CurrentSchemaVersion = 1

// FileType names the kind of record a file holds.
type FileType string

const (
	FileTypeWorkItem  FileType = "work_item"
	FileTypeFramework FileType = "framework_binding"
)

func (t FileType) known() bool {
	switch t {
	case FileTypeWorkItem, FileTypeFramework:
		return true
	}
	return false
}

var (
	// ErrSchemaVersion is wrapped when a record was written by a newer build
	// or carries no version.
	ErrSchemaVersion = errors.New("unsupported schema_version")
	// ErrFileType is wrapped when a record is missing its type or holds a
	// different kind than the caller expected.
	ErrFileType = errors.New("unexpected file_type")
)

// SchemaHeader is inlined at the top of every persisted record.
type SchemaHeader struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      FileType `yaml:"file_type"`
}

func NewHeader(t FileType) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: t}
}

// CheckHeader decodes the header of content and checks it against want. An
// empty want accepts any known type.
func CheckHeader(content []byte, want FileType) (SchemaHeader, error) {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	switch {
	case h.SchemaVersion < 1 || h.SchemaVersion > CurrentSchemaVersion:
		return h, fmt.Errorf("%w %d (this build reads 1..%d)", ErrSchemaVersion, h.SchemaVersion, CurrentSchemaVersion)
	case !h.FileType.known():
		return h, fmt.Errorf("%w %q", ErrFileType, h.FileType)
	case want != "" && h.FileType != want:
		return h, fmt.Errorf("%w %q, want %q", ErrFileType, h.FileType, want)
	}
	return h, nil
}
