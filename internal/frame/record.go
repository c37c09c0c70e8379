package frame

import (
	"strconv"
	"time"
)

// Device is the device number stamped on every record. The acquisition
// path only ever talks to a single instrument.
const Device uint8 = 1

// Header is the first line of every recording file.
var Header = []string{"time", "dev", "sensory", "chan", "value"}

// Record is a single channel reading in long format.
type Record struct {
	Timestamp time.Duration `json:"time"`
	Device    uint8         `json:"dev"`
	Bank      uint8         `json:"bank"`
	Channel   uint8         `json:"chan"`
	Value     float64       `json:"value"`
}

// Expand fans a frame out into one record per channel, stamped with the
// local elapsed time rather than the device clock.
func Expand(f Frame, at time.Duration) [Channels]Record {
	var out [Channels]Record
	for i, v := range f.Readings {
		out[i] = Record{
			Timestamp: at,
			Device:    Device,
			Bank:      f.Bank,
			Channel:   uint8(i),
			Value:     v,
		}
	}
	return out
}

// Fields renders the record as recording columns, time in seconds.
func (r Record) Fields() []string {
	return []string{
		strconv.FormatFloat(r.Timestamp.Seconds(), 'f', -1, 64),
		strconv.FormatUint(uint64(r.Device), 10),
		strconv.FormatUint(uint64(r.Bank), 10),
		strconv.FormatUint(uint64(r.Channel), 10),
		strconv.FormatFloat(r.Value, 'f', -1, 64),
	}
}
