// Package telemetry parses the comma-separated frames emitted by the
// feeding devices and renders accepted records as table rows.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the human-readable receipt time written as the first
// column of every row.
const TimestampLayout = "01/02/2006 15:04:05.000"

// Columns is the full row schema. The first column is the local receipt
// time; the rest mirror the device frame in order.
var Columns = []string{
	"MM/DD/YYYY hh:mm:ss.SSS", "Temp", "Humidity", "Library_Version", "Session_type",
	"Device_Number", "Battery_Voltage", "Motor_Turns", "FR", "Event", "Active_Poke",
	"Left_Poke_Count", "Right_Poke_Count", "Pellet_Count", "Block_Pellet_Count",
	"Retrieval_Time", "InterPelletInterval", "Poke_Time",
}

// FieldCount is the number of fields a frame must carry once the device's
// own leading sequence token has been dropped.
var FieldCount = len(Columns) - 1

// Field indexes into Record.Fields.
const (
	FieldTemp = iota
	FieldHumidity
	FieldLibraryVersion
	FieldSessionType
	FieldDeviceNumber
	FieldBattery
	FieldMotorTurns
	FieldFR
	FieldEvent
	FieldActivePoke
	FieldLeftCount
	FieldRightCount
	FieldPelletCount
	FieldBlockPelletCount
	FieldRetrievalTime
	FieldInterPelletInterval
	FieldPokeTime
)

var numericFields = map[int]bool{
	FieldTemp:                true,
	FieldHumidity:            true,
	FieldBattery:             true,
	FieldMotorTurns:          true,
	FieldLeftCount:           true,
	FieldRightCount:          true,
	FieldPelletCount:         true,
	FieldBlockPelletCount:    true,
	FieldRetrievalTime:       true,
	FieldInterPelletInterval: true,
	FieldPokeTime:            true,
}

var (
	ErrEmpty      = errors.New("empty frame")
	ErrFieldCount = errors.New("wrong field count")
	ErrNotNumeric = errors.New("non-numeric value in numeric field")
)

// Record is one accepted telemetry frame.
type Record struct {
	ReceivedAt time.Time
	Fields     []string
}

// Parse validates a raw line. It never returns a partial record: on any
// rejection the record is nil and the error says why.
func Parse(line string) (*Record, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmpty
	}
	parts := strings.Split(line, ",")[1:]
	if len(parts) != FieldCount {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(parts), FieldCount)
	}
	fields := make([]string, len(parts))
	for i, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" && numericFields[i] {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("%w: %s=%q", ErrNotNumeric, Columns[i+1], v)
			}
		}
		fields[i] = v
	}
	return &Record{Fields: fields}, nil
}

// DeviceNumber is the firmware-issued identity carried by the frame.
func (r *Record) DeviceNumber() string {
	return r.Fields[FieldDeviceNumber]
}

// Event is the behavioral event the frame reports.
func (r *Record) Event() EventType {
	return EventType(r.Fields[FieldEvent])
}

// Row renders the record with its receipt time as the first column.
func (r *Record) Row() []string {
	row := make([]string, 0, len(Columns))
	row = append(row, r.ReceivedAt.Format(TimestampLayout))
	return append(row, r.Fields...)
}

// JamRow builds the synthetic row that marks an equipment jam for a device
// outside normal batching.
func JamRow(at time.Time, deviceNumber string) []string {
	row := make([]string, len(Columns))
	row[0] = at.Format(TimestampLayout)
	row[FieldEvent+1] = string(EventJam)
	row[FieldDeviceNumber+1] = deviceNumber
	return row
}
