// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package pathinfo

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const (
	schemePrefix = "s3://"
	flatMarker   = "rubinobs-lfa-"
)

var rawFilePattern = regexp.MustCompile(`\d\.fits`)

// Descriptor is the parsed form of an item identifier. The only
// implementations are *ScheduledItem and *FlatItem.
type Descriptor interface {
	// Path is the identifier with any scheme prefix removed.
	Path() string
	Bucket() string
	Instrument() string
	ObsDay() string
	Filename() string

	// NeedsPrimary reports whether the item must wait until the primary
	// member of its group has been processed.
	NeedsPrimary() bool

	isDescriptor()
}

// Common holds the fields shared by every descriptor variant.
type Common struct {
	RawPath    string `json:"path"`
	BucketName string `json:"bucket"`
	Instr      string `json:"instrument"`
	File       string `json:"filename"`
	Day        string `json:"obs_day"`
}

func (c *Common) Path() string       { return c.RawPath }
func (c *Common) Bucket() string     { return c.BucketName }
func (c *Common) Instrument() string { return c.Instr }
func (c *Common) ObsDay() string     { return c.Day }
func (c *Common) Filename() string   { return c.File }

// ScheduledItem is an exposure-based identifier of the form
// bucket/instrument/day/CODE_CTRL_DAY_SEQ/filename.
type ScheduledItem struct {
	Common
	ExposureID     string `json:"exp_id"`
	InstrumentCode string `json:"instrument_code"`
	Controller     string `json:"controller"`
	SeqNum         string `json:"seq_num"`

	// Detector is RNN_SNN when the filename carries detector parts.
	Detector string `json:"detector,omitempty"`
}

func (*ScheduledItem) isDescriptor() {}

// NeedsPrimary is true for guider files, which wait for the science
// image of the same exposure.
func (s *ScheduledItem) NeedsPrimary() bool {
	return strings.HasSuffix(s.File, "_guider.fits")
}

// IsPrimary reports whether this item is the raw science image that
// releases secondaries waiting on the same exposure.
func (s *ScheduledItem) IsPrimary() bool {
	return rawFilePattern.MatchString(s.File)
}

// Sequence returns the sequence number as an integer.
func (s *ScheduledItem) Sequence() (int64, error) {
	return strconv.ParseInt(s.SeqNum, 10, 64)
}

// FlatItem is a large-file-annex identifier with a date-partitioned path.
type FlatItem struct {
	Common
}

func (*FlatItem) isDescriptor()      {}
func (*FlatItem) NeedsPrimary() bool { return false }

// MalformedIdentifierError is returned when an identifier matches
// neither known shape.
type MalformedIdentifierError struct {
	Identifier string
	Reason     string
}

func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed identifier %q: %s", e.Identifier, e.Reason)
}

// Parse parses an item identifier using the default logger for
// field-mismatch warnings.
func Parse(raw string) (Descriptor, error) {
	return ParseWithLogger(raw, slog.Default())
}

// ParseWithLogger parses raw into a Descriptor. Disagreeing redundant
// fields are logged at warn level and the directory fields win.
func ParseWithLogger(raw string, ll *slog.Logger) (Descriptor, error) {
	path := strings.TrimPrefix(raw, schemePrefix)
	if path == "" {
		return nil, &MalformedIdentifierError{Identifier: raw, Reason: "empty identifier"}
	}

	bucket, _, _ := strings.Cut(path, "/")
	if strings.Contains(bucket, flatMarker) {
		return parseFlat(raw, path)
	}
	return parseScheduled(raw, path, ll)
}

func parseScheduled(raw, path string, ll *slog.Logger) (*ScheduledItem, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 {
		return nil, &MalformedIdentifierError{
			Identifier: raw,
			Reason:     fmt.Sprintf("expected 5 path components, got %d", len(parts)),
		}
	}
	for i, p := range parts {
		if p == "" {
			return nil, &MalformedIdentifierError{Identifier: raw, Reason: fmt.Sprintf("empty path component %d", i)}
		}
	}

	item := &ScheduledItem{
		Common: Common{
			RawPath:    path,
			BucketName: parts[0],
			Instr:      parts[1],
			Day:        parts[2],
			File:       parts[4],
		},
		ExposureID: parts[3],
	}

	expParts := strings.Split(item.ExposureID, "_")
	if len(expParts) != 4 {
		return nil, &MalformedIdentifierError{
			Identifier: raw,
			Reason:     fmt.Sprintf("exposure id %q must have 4 underscore-separated fields", item.ExposureID),
		}
	}
	item.InstrumentCode = expParts[0]
	item.Controller = expParts[1]
	item.SeqNum = expParts[3]
	if _, err := item.Sequence(); err != nil {
		return nil, &MalformedIdentifierError{
			Identifier: raw,
			Reason:     fmt.Sprintf("sequence number %q is not numeric", item.SeqNum),
		}
	}
	if expParts[2] != item.Day {
		ll.Warn("Mismatched observation dates", slog.String("path", path),
			slog.String("directory_day", item.Day), slog.String("exposure_day", expParts[2]))
	}

	// CODE_CTRL_DAY_SEQ_RNN_SNN.ext carries a detector and repeats the day and sequence.
	stem, _, _ := strings.Cut(item.File, ".")
	if fileParts := strings.Split(stem, "_"); len(fileParts) == 6 {
		item.Detector = fileParts[4] + "_" + fileParts[5]
		if fileParts[2] != item.Day {
			ll.Warn("Mismatched observation dates", slog.String("path", path),
				slog.String("directory_day", item.Day), slog.String("filename_day", fileParts[2]))
		}
		if fileParts[3] != item.SeqNum {
			ll.Warn("Mismatched sequence numbers", slog.String("path", path),
				slog.String("exposure_seq", item.SeqNum), slog.String("filename_seq", fileParts[3]))
		}
	}

	return item, nil
}

func parseFlat(raw, path string) (*FlatItem, error) {
	parts := strings.Split(path, "/")
	item := &FlatItem{Common: Common{RawPath: path, BucketName: parts[0]}}

	var year, month, day string
	switch len(parts) {
	case 8:
		// bucket/csc/generator/yyyy/mm/dd/directory/file
		item.Instr = parts[1] + "/" + parts[2]
		year, month, day, item.File = parts[3], parts[4], parts[5], parts[7]
	case 7:
		item.Instr = parts[1] + "/" + parts[2]
		year, month, day, item.File = parts[3], parts[4], parts[5], parts[6]
	case 6:
		item.Instr = parts[1]
		year, month, day, item.File = parts[2], parts[3], parts[4], parts[5]
	default:
		return nil, &MalformedIdentifierError{
			Identifier: raw,
			Reason:     fmt.Sprintf("unrecognized number of components: %d", len(parts)),
		}
	}
	if item.File == "" {
		return nil, &MalformedIdentifierError{Identifier: raw, Reason: "empty filename"}
	}
	item.Day = year + month + day
	return item, nil
}
