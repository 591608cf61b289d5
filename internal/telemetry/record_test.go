package telemetry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleFrame = ",23.1,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2,30.5,0.8"

func TestParseAcceptsSchemaFrame(t *testing.T) {
	rec, err := Parse(sampleFrame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Fields) != FieldCount {
		t.Fatalf("expected %d fields, got %d", FieldCount, len(rec.Fields))
	}
	if rec.DeviceNumber() != "7" {
		t.Errorf("expected device number 7, got %q", rec.DeviceNumber())
	}
	if rec.Event() != EventPellet {
		t.Errorf("expected Pellet event, got %q", rec.Event())
	}
}

func TestParseFieldCount(t *testing.T) {
	for n := 0; n < FieldCount+4; n++ {
		line := "seq" + strings.Repeat(",1", n)
		rec, err := Parse(line)
		if n == FieldCount {
			if err != nil {
				t.Errorf("n=%d: expected success, got %v", n, err)
			}
			continue
		}
		if !errors.Is(err, ErrFieldCount) {
			t.Errorf("n=%d: expected ErrFieldCount, got %v", n, err)
		}
		if rec != nil {
			t.Errorf("n=%d: expected no record on rejection", n)
		}
	}
}

func TestParseRejectsFifteenFields(t *testing.T) {
	line := ",23.1,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2"
	if _, err := Parse(line); !errors.Is(err, ErrFieldCount) {
		t.Fatalf("expected ErrFieldCount, got %v", err)
	}
}

func TestParseRejectsNonNumeric(t *testing.T) {
	line := ",warm,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2,30.5,0.8"
	if _, err := Parse(line); !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric, got %v", err)
	}
}

func TestParseAllowsEmptyNumeric(t *testing.T) {
	line := ",,45,2.1,FR1,7,,120,1,Left,Left,3,4,2,0,,,"
	if _, err := Parse(line); err != nil {
		t.Fatalf("expected empty numeric fields to pass, got %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse("   \r\n"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestRowStartsWithTimestamp(t *testing.T) {
	rec, err := Parse(sampleFrame)
	if err != nil {
		t.Fatal(err)
	}
	rec.ReceivedAt = time.Date(2024, 3, 5, 14, 7, 9, 123_000_000, time.Local)
	row := rec.Row()
	if len(row) != len(Columns) {
		t.Fatalf("expected %d columns, got %d", len(Columns), len(row))
	}
	if row[0] != "03/05/2024 14:07:09.123" {
		t.Errorf("unexpected timestamp %q", row[0])
	}
	if row[FieldEvent+1] != "Pellet" {
		t.Errorf("expected event column Pellet, got %q", row[FieldEvent+1])
	}
}

func TestJamRow(t *testing.T) {
	row := JamRow(time.Now(), "12")
	if len(row) != len(Columns) {
		t.Fatalf("expected %d columns, got %d", len(Columns), len(row))
	}
	if row[FieldEvent+1] != "JAM" || row[FieldDeviceNumber+1] != "12" {
		t.Errorf("unexpected jam row %v", row)
	}
}

func TestTriggerMatches(t *testing.T) {
	cases := []struct {
		trigger Trigger
		event   EventType
		want    bool
	}{
		{TriggerPellet, EventPellet, true},
		{TriggerPellet, EventLeft, false},
		{TriggerLeft, EventLeft, true},
		{TriggerLeft, EventLeftWithPellet, false},
		{TriggerRight, EventRight, true},
		{TriggerAll, EventRight, true},
		{TriggerAll, EventPelletInWell, false},
		{TriggerAll, EventJam, false},
	}
	for _, c := range cases {
		if got := c.trigger.Matches(c.event); got != c.want {
			t.Errorf("%s.Matches(%s) = %v, want %v", c.trigger, c.event, got, c.want)
		}
	}
}

func TestParseTrigger(t *testing.T) {
	got, err := ParseTrigger("all")
	if err != nil || got != TriggerAll {
		t.Fatalf("expected All, got %q (%v)", got, err)
	}
	if _, err := ParseTrigger("Jam"); err == nil {
		t.Fatal("expected error for unknown trigger")
	}
}

func TestIdleTimeout(t *testing.T) {
	if d := TriggerPellet.IdleTimeout(30*time.Second, 60*time.Second); d != 30*time.Second {
		t.Errorf("expected 30s, got %v", d)
	}
	if d := TriggerAll.IdleTimeout(30*time.Second, 60*time.Second); d != 60*time.Second {
		t.Errorf("expected 60s, got %v", d)
	}
}
