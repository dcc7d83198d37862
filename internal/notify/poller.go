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

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

// DefaultPollInterval is how long the holding poller sleeps after finding
// the holding area empty.
const DefaultPollInterval = 500 * time.Millisecond

// Drainer routes the contents of a holding hash. *intake.Router
// satisfies it.
type Drainer interface {
	DrainHolding(ctx context.Context, holdingKey string) ([]pathinfo.Descriptor, error)
}

// HoldingPoller repeatedly drains a holding hash that an external
// receiver fills with identifiers.
type HoldingPoller struct {
	drainer    Drainer
	holdingKey string
	interval   time.Duration
	ll         *slog.Logger
}

func NewHoldingPoller(drainer Drainer, holdingKey string, interval time.Duration, ll *slog.Logger) *HoldingPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if ll == nil {
		ll = slog.Default()
	}
	return &HoldingPoller{
		drainer:    drainer,
		holdingKey: holdingKey,
		interval:   interval,
		ll:         ll.With(slog.String("component", "notify-poll"), slog.String("holdingKey", holdingKey)),
	}
}

// Run drains until ctx is cancelled. Store errors end the loop.
func (p *HoldingPoller) Run(ctx context.Context) error {
	p.ll.Info("Polling holding area")
	for ctx.Err() == nil {
		descriptors, err := p.drainer.DrainHolding(ctx, p.holdingKey)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("polling holding area: %w", err)
		}
		if len(descriptors) == 0 {
			sleep(ctx, p.interval)
		}
	}
	return nil
}
