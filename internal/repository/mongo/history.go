package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	historyCollection      = "history"
	certificatesCollection = "certificates"
)

type historyDB struct {
	db *mongo.Database
}

func NewHistoryRepository(db *mongo.Database) repository.History {
	return &historyDB{db: db}
}

func (h *historyDB) AddRecord(ctx context.Context, rec entity.Record) error {
	_, err := h.db.Collection(historyCollection).InsertOne(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

func (h *historyDB) GetRecord(ctx context.Context, id string) (*entity.Record, error) {
	var rec entity.Record
	err := h.db.Collection(historyCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return &rec, nil
}

func (h *historyDB) ListRecords(ctx context.Context, limit int) ([]entity.RecordListElem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "datetime", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := h.db.Collection(historyCollection).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var records []entity.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	data := make([]entity.RecordListElem, len(records))
	for i, rec := range records {
		data[i] = rec.ListElem()
	}
	return data, nil
}

type certificateDoc struct {
	Host    string `bson:"host"`
	CertPEM string `bson:"certPEM"`
	KeyPEM  string `bson:"keyPEM"`
}

type certificateDB struct {
	db *mongo.Database
}

// NewCertificateRepository keeps leaf pairs in the certificates collection,
// one document per host.
func NewCertificateRepository(db *mongo.Database) repository.Certificates {
	return &certificateDB{db: db}
}

func (c *certificateDB) Load(ctx context.Context, host string) (entity.CertPair, error) {
	var doc certificateDoc
	err := c.db.Collection(certificatesCollection).FindOne(ctx, bson.M{"host": host}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entity.CertPair{}, repository.ErrNotFound
	}
	if err != nil {
		return entity.CertPair{}, fmt.Errorf("find certificate: %w", err)
	}
	return entity.CertPair{Cert: []byte(doc.CertPEM), Key: []byte(doc.KeyPEM)}, nil
}

func (c *certificateDB) Save(ctx context.Context, host string, pair entity.CertPair) error {
	doc := certificateDoc{Host: host, CertPEM: string(pair.Cert), KeyPEM: string(pair.Key)}
	_, err := c.db.Collection(certificatesCollection).ReplaceOne(ctx, bson.M{"host": host}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}
	return nil
}
