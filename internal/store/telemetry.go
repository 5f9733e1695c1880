package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deployerd/deployerd/internal/model"
)

// TelemetryStore persists the append-only health-check and metric time
// series, plus the open/resolved alert set, following the same
// bucket-per-entity shape as the rest of this package.
type TelemetryStore struct {
	db *BoltStore
}

// NewTelemetryStore wraps an opened BoltStore for telemetry persistence.
func NewTelemetryStore(db *BoltStore) *TelemetryStore {
	return &TelemetryStore{db: db}
}

// PutHealthCheck appends a probe outcome.
func (s *TelemetryStore) PutHealthCheck(rec *model.HealthCheckRecord) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// ListHealthChecksByService returns every recorded probe for a service,
// in no particular order (callers sort by Timestamp as needed).
func (s *TelemetryStore) ListHealthChecksByService(serviceID string) ([]*model.HealthCheckRecord, error) {
	var recs []*model.HealthCheckRecord
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		return b.ForEach(func(k, v []byte) error {
			var rec model.HealthCheckRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ServiceID == serviceID {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

// GCHealthChecks deletes probe records older than retention.
func (s *TelemetryStore) GCHealthChecks(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec model.HealthCheckRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutMetric appends a resource-usage sample.
func (s *TelemetryStore) PutMetric(rec *model.MetricRecord) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// ListMetricsByStack returns every sample recorded for a stack.
func (s *TelemetryStore) ListMetricsByStack(stackID string) ([]*model.MetricRecord, error) {
	var recs []*model.MetricRecord
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		return b.ForEach(func(k, v []byte) error {
			var rec model.MetricRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.StackID == stackID {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

// GCMetrics deletes metric samples older than retention.
func (s *TelemetryStore) GCMetrics(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec model.MetricRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutAlert upserts an alert row.
func (s *TelemetryStore) PutAlert(alert *model.Alert) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return b.Put([]byte(alert.ID), data)
	})
}

// GetOpenAlert returns the open alert for a (scope, type) pair, if any -
// callers use this to de-duplicate before opening a new alert.
func (s *TelemetryStore) GetOpenAlert(scope string, alertType model.AlertType) (*model.Alert, error) {
	alerts, err := s.ListAlerts()
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if !a.IsResolved && a.Scope() == scope && a.AlertType == alertType {
			return a, nil
		}
	}
	return nil, nil
}

// ListOpenAlerts returns every unresolved alert.
func (s *TelemetryStore) ListOpenAlerts() ([]*model.Alert, error) {
	all, err := s.ListAlerts()
	if err != nil {
		return nil, err
	}
	var open []*model.Alert
	for _, a := range all {
		if !a.IsResolved {
			open = append(open, a)
		}
	}
	return open, nil
}

// ListAlerts returns every alert, open or resolved.
func (s *TelemetryStore) ListAlerts() ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		return b.ForEach(func(k, v []byte) error {
			var a model.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			alerts = append(alerts, &a)
			return nil
		})
	})
	return alerts, err
}

// GCResolvedAlerts deletes resolved alerts older than retention.
func (s *TelemetryStore) GCResolvedAlerts(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a model.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.IsResolved && a.ResolvedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
