package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// CertStore is the bbolt-backed persistence for SSLCertificate rows,
// keyed by domain.
type CertStore struct {
	db *BoltStore
}

// NewCertStore wraps an opened BoltStore for certificate persistence.
func NewCertStore(db *BoltStore) *CertStore {
	return &CertStore{db: db}
}

func (s *CertStore) put(tx *bolt.Tx, cert *model.SSLCertificate) error {
	b := tx.Bucket(bucketCertificates)
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return b.Put([]byte(cert.Domain), data)
}

// Put upserts a certificate row.
func (s *CertStore) Put(cert *model.SSLCertificate) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, cert)
	})
}

// Get returns the certificate row for a domain.
func (s *CertStore) Get(domain string) (*model.SSLCertificate, error) {
	var cert model.SSLCertificate
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(domain))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", domain, errs.ErrNotFound)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// List returns every certificate row.
func (s *CertStore) List() ([]*model.SSLCertificate, error) {
	var certs []*model.SSLCertificate
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert model.SSLCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

// Delete removes a certificate row.
func (s *CertStore) Delete(domain string) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.Delete([]byte(domain))
	})
}
