// internal/state/rows_test.go
package state

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/fedlink/internal/types"
)

func TestRowBufferWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ana", "fr5_2024_03_01_09_00_00")
	buf := NewRowBuffer()
	buf.Append("7", []string{"03/01/2024 09:00:01.000", "Pellet"})
	buf.Append("7", []string{"03/01/2024 09:00:02.000", "Left, extra"})
	buf.Append("3", []string{"03/01/2024 09:00:03.000", "Right"})

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)
	files, err := buf.WriteCSV(dir, []string{"Timestamp", "Event"}, start)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if filepath.Base(files["7"]) != "device_7_20240301_090000.csv" {
		t.Errorf("unexpected file name %s", files["7"])
	}

	f, err := os.Open(files["7"])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[0][0] != "Timestamp" || records[1][1] != "Pellet" || records[2][1] != "Left, extra" {
		t.Errorf("unexpected content %v", records)
	}

	if _, err := os.Stat(files["7"] + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file removed")
	}
}

func TestRowBufferCounts(t *testing.T) {
	buf := NewRowBuffer()
	buf.Append("1", []string{"a"})
	buf.Append("1", []string{"b"})
	buf.Append("2", []string{"c"})

	counts := buf.Counts()
	if counts["1"] != 2 || counts["2"] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
	if buf.Len(types.DeviceID("1")) != 2 {
		t.Errorf("expected 2 rows for device 1")
	}
}

func TestRowBufferWriteEmpty(t *testing.T) {
	files, err := NewRowBuffer().WriteCSV(t.TempDir(), []string{"Timestamp"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}
}
