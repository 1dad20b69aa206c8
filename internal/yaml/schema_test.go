package yaml

import (
	"errors"
	"testing"
)

func TestCheckHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    FileType
		wantErr error
	}{
		{"item", "schema_version: 1\nfile_type: work_item\n", FileTypeWorkItem, nil},
		{"any known type", "schema_version: 1\nfile_type: framework_binding\n", "", nil},
		{"no version", "file_type: work_item\n", "", ErrSchemaVersion},
		{"newer build", "schema_version: 9\nfile_type: work_item\n", "", ErrSchemaVersion},
		{"no type", "schema_version: 1\n", "", ErrFileType},
		{"foreign type", "schema_version: 1\nfile_type: queue_task\n", "", ErrFileType},
		{"other kind", "schema_version: 1\nfile_type: framework_binding\n", FileTypeWorkItem, ErrFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := CheckHeader([]byte(tt.content), tt.want)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && h.SchemaVersion != CurrentSchemaVersion {
				t.Errorf("version = %d", h.SchemaVersion)
			}
		})
	}
}

func TestCheckHeader_NotYAML(t *testing.T) {
	_, err := CheckHeader([]byte("["), "")
	if err == nil || errors.Is(err, ErrFileType) || errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("err = %v, want a parse error", err)
	}
}
