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

// Package headers reads the metadata headers published alongside each
// scheduled image and extracts the group slot it fills.
package headers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// KnownInstruments are the canonical instrument names that group
// records are kept for.
var KnownInstruments = mapset.NewSet(
	"LATISS",
	"LSSTComCam",
	"LSSTComCamSim",
	"LSSTCam",
	"LSST-TS8",
	"LSSTCam-imSim",
)

// CanonicalInstrument maps the instrument spellings found in headers to
// their canonical names. Unknown names are returned unchanged.
func CanonicalInstrument(name string) string {
	switch strings.ToLower(name) {
	case "lsstcomcamsim", "comcamsim":
		return "LSSTComCamSim"
	case "lsstcomcam", "comcam":
		return "LSSTComCam"
	case "lsstcam":
		return "LSSTCam"
	case "latiss":
		return "LATISS"
	}
	return name
}

// Header holds the keywords of one image header.
type Header map[string]any

// Reader fetches the header of the item at path.
type Reader interface {
	Read(ctx context.Context, path string) (Header, error)
}

// Slot identifies one member of a group: a snap of one detector.
type Slot struct {
	Instrument string
	GroupID    string
	Snap       int
	Detector   string
}

// Slot extracts the group slot. ok is false when the image does not
// belong to a group.
func (h Header) Slot() (slot Slot, ok bool, err error) {
	instrument, err := h.str("INSTRUME")
	if err != nil {
		return Slot{}, false, err
	}
	if _, found := h["GROUPID"]; !found {
		return Slot{}, false, nil
	}
	groupID, err := h.str("GROUPID")
	if err != nil {
		return Slot{}, false, err
	}
	index, err := h.number("CURINDEX")
	if err != nil {
		return Slot{}, false, err
	}
	raft, err := h.str("RAFTBAY")
	if err != nil {
		return Slot{}, false, err
	}
	ccd, err := h.str("CCDSLOT")
	if err != nil {
		return Slot{}, false, err
	}
	return Slot{
		Instrument: CanonicalInstrument(instrument),
		GroupID:    groupID,
		Snap:       index - 1,
		Detector:   raft + "_" + ccd,
	}, true, nil
}

func (h Header) str(key string) (string, error) {
	v, found := h[key]
	if !found {
		return "", fmt.Errorf("header keyword %s missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("header keyword %s is %T, not a string", key, v)
	}
	return s, nil
}

func (h Header) number(key string) (int, error) {
	v, found := h[key]
	if !found {
		return 0, fmt.Errorf("header keyword %s missing", key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("header keyword %s is %T, not a number", key, v)
}
