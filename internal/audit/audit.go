// Package audit records authentication events into an Elasticsearch
// index so logins, rotations and reuse rejections can be searched later.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
)

const (
	EventLogin        = "login"
	EventRefresh      = "refresh"
	EventRefreshReuse = "refresh_reuse_rejected"
	EventLogout       = "logout"
	EventRegister     = "register"
)

type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	Email  string    `json:"email,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder is fire-and-forget: indexing failures are logged and dropped,
// never surfaced to the request path. A nil Recorder records nothing.
type Recorder struct {
	ES    *elasticsearch.Client
	Index string
	Log   *slog.Logger
}

func NewRecorder(es *elasticsearch.Client, index string, log *slog.Logger) *Recorder {
	return &Recorder{ES: es, Index: index, Log: log}
}

func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.ES == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		r.warn("audit marshal failed", err)
		return
	}

	res, err := r.ES.Index(r.Index, bytes.NewReader(data), r.ES.Index.WithContext(ctx))
	if err != nil {
		r.warn("audit index failed", err)
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if r.Log != nil {
			r.Log.Warn("audit index error response", "status", res.Status(), "body", string(body))
		}
	}
}

func (r *Recorder) warn(msg string, err error) {
	if r.Log != nil {
		r.Log.Warn(msg, "error", err)
	}
}

func NewClient(url, user, password string) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	}
	return elasticsearch.NewClient(esCfg)
}
