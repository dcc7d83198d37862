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

// Package registration publishes processed files to the downstream
// replica catalog, grouped into datasets.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

// Config describes where registration requests are published and how the
// files are named in the catalog.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Scope   string   `mapstructure:"scope"`
	RSE     string   `mapstructure:"rse"`
	DTNURL  string   `mapstructure:"dtn_url"`
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// File is one physical file attached to a dataset.
type File struct {
	Name string `json:"name"`
	PFN  string `json:"pfn"`
}

// Request asks the catalog to attach files to a dataset. Attaching a file
// that is already present is expected to be a no-op downstream.
type Request struct {
	ID      string    `json:"id"`
	Scope   string    `json:"scope"`
	RSE     string    `json:"rse"`
	Dataset string    `json:"dataset"`
	Files   []File    `json:"files"`
	Sent    time.Time `json:"sent"`
}

type KafkaRegistrar struct {
	writer MessageWriter
	cfg    Config
	now    func() time.Time
}

func NewKafkaRegistrar(cfg Config) *KafkaRegistrar {
	return NewKafkaRegistrarWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, cfg)
}

func NewKafkaRegistrarWithWriter(w MessageWriter, cfg Config) *KafkaRegistrar {
	if cfg.DTNURL != "" && !strings.HasSuffix(cfg.DTNURL, "/") {
		cfg.DTNURL += "/"
	}
	return &KafkaRegistrar{writer: w, cfg: cfg, now: time.Now}
}

// Register publishes one request per dataset touched by descriptors.
// Flat items are not registered.
func (r *KafkaRegistrar) Register(ctx context.Context, descriptors []pathinfo.Descriptor) error {
	groups := make(map[string][]File)
	for _, d := range descriptors {
		item, ok := d.(*pathinfo.ScheduledItem)
		if !ok {
			continue
		}
		dataset := DatasetID(item)
		name := objectName(item)
		groups[dataset] = append(groups[dataset], File{Name: name, PFN: r.cfg.DTNURL + item.Bucket() + "/" + name})
	}
	if len(groups) == 0 {
		return nil
	}

	datasets := make([]string, 0, len(groups))
	for dataset := range groups {
		datasets = append(datasets, dataset)
	}
	sort.Strings(datasets)

	msgs := make([]kafka.Message, 0, len(groups))
	for _, dataset := range datasets {
		value, err := json.Marshal(Request{
			ID:      uuid.NewString(),
			Scope:   r.cfg.Scope,
			RSE:     r.cfg.RSE,
			Dataset: dataset,
			Files:   groups[dataset],
			Sent:    r.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("encoding registration for %s: %w", dataset, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(dataset), Value: value})
	}

	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing %d registrations: %w", len(msgs), err)
	}
	return nil
}

func (r *KafkaRegistrar) Close() error {
	return r.writer.Close()
}

// DatasetID names the dataset an exposure's files are attached to. Each
// dataset collects 100 consecutive exposures of one instrument and day.
func DatasetID(item *pathinfo.ScheduledItem) string {
	base := "Dataset/" + item.Instrument() + "/" + item.ObsDay()
	if len(item.SeqNum) != 6 {
		return base
	}
	return base + "/" + item.SeqNum[:4]
}

// objectName is the item path without its bucket.
func objectName(item *pathinfo.ScheduledItem) string {
	return strings.TrimPrefix(item.Path(), item.Bucket()+"/")
}
